// Package probe extracts normalized video metadata by shelling out to
// ffprobe and parsing its JSON output. Grounded on
// internal/plugins/ffmpeg/core_plugin.go from the teacher repo, with
// the subprocess bounded by a context timeout the teacher's
// exec.Command call lacked.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/medialib/agent/internal/model"
)

// ProbeError wraps a subprocess failure or timeout. No record is
// emitted for a probe that fails this way.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ffprobeOutput mirrors the teacher's FFProbeOutput shape.
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Prober invokes ffprobe as a bounded-lifetime subprocess. The zero
// value is ready to use; DefaultTimeout applies when Timeout is zero.
type Prober struct {
	// Timeout bounds each ffprobe invocation. Defaults to 60s.
	Timeout time.Duration

	mu            sync.RWMutex
	availCached   *bool
	availCheckAt  time.Time
}

const (
	// DefaultTimeout matches the spec's recommended subprocess bound.
	DefaultTimeout       = 60 * time.Second
	availabilityCacheTTL = 5 * time.Minute
)

// Available reports whether ffprobe can be found and run, caching the
// result for availabilityCacheTTL the way the teacher's package-level
// ffprobeAvailable cache does, but scoped to this Prober instance
// instead of a package global.
func (p *Prober) Available(ctx context.Context) bool {
	p.mu.RLock()
	if p.availCached != nil && time.Since(p.availCheckAt) < availabilityCacheTTL {
		avail := *p.availCached
		p.mu.RUnlock()
		return avail
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.availCached != nil && time.Since(p.availCheckAt) < availabilityCacheTTL {
		return *p.availCached
	}

	cmd := exec.CommandContext(ctx, "ffprobe", "-version")
	avail := cmd.Run() == nil
	p.availCached = &avail
	p.availCheckAt = time.Now()
	return avail
}

// Probe runs ffprobe against path and normalizes its output into a
// VideoMeta. Timeouts and non-zero exits surface as *ProbeError.
func (p *Prober) Probe(ctx context.Context, path string) (model.VideoMeta, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return model.VideoMeta{}, &ProbeError{Path: path, Err: fmt.Errorf("timed out after %s", timeout)}
		}
		return model.VideoMeta{}, &ProbeError{Path: path, Err: err}
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return model.VideoMeta{}, &ProbeError{Path: path, Err: fmt.Errorf("parse ffprobe json: %w", err)}
	}

	return normalize(parsed, out), nil
}

func normalize(out ffprobeOutput, raw []byte) model.VideoMeta {
	meta := model.VideoMeta{
		Container:   strings.ToLower(out.Format.FormatName),
		StreamsJSON: string(rawStreams(raw)),
	}
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		meta.Duration = d
	}
	if b, err := strconv.Atoi(out.Format.BitRate); err == nil {
		meta.Bitrate = b
	}

	var videoSeen bool
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if !videoSeen {
				meta.VideoCodec = s.CodecName
				meta.Width = s.Width
				meta.Height = s.Height
				videoSeen = true
			}
		case "audio":
			if s.CodecName != "" {
				meta.AudioCodecs = append(meta.AudioCodecs, s.CodecName)
			}
		}
	}
	return meta
}

// rawStreams re-serializes just the "streams" field for forensic use,
// rather than echoing the whole ffprobe payload.
func rawStreams(raw []byte) []byte {
	var generic struct {
		Streams json.RawMessage `json:"streams"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil || generic.Streams == nil {
		return []byte("[]")
	}
	return generic.Streams
}
