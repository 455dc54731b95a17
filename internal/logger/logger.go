// Package logger builds the agent's structured logger: hashicorp/go-
// hclog, the way the teacher's plugin SDK constructs loggers (see
// data/plugins/audiodb_enricher/main.go's hclog.New call), writing to
// both stdout and a size-rotated file via
// gopkg.in/natefinch/lumberjack.v2, grounded on the lumberjack.Logger
// sink in ghyeongl-selective-filebrowser's sync/logger.go.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures where and how verbosely the agent logs.
type Options struct {
	// LogFilePath is the rotating log file destination, e.g.
	// ~/.medialib/agent.log. Empty disables file logging.
	LogFilePath string
	Level       hclog.Level
	JSON        bool
}

// New builds the root logger. Console output always happens; file
// output is added when LogFilePath is non-empty.
func New(opts Options) hclog.Logger {
	var writer io.Writer = os.Stdout

	if opts.LogFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFilePath), 0o755); err == nil {
			fileSink := &lumberjack.Logger{
				Filename:   opts.LogFilePath,
				MaxSize:    20, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
				Compress:   true,
			}
			writer = io.MultiWriter(os.Stdout, fileSink)
		}
	}

	level := opts.Level
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "medialib-agent",
		Level:      level,
		Output:     writer,
		JSONFormat: opts.JSON,
	})
}
