// Package upload implements the batch uploader (C9): it buffers
// FileRecords emitted by the scan pipeline, seals them into
// BatchPayloads under size, time, or explicit flush triggers, and POSTs
// the result to the host's ingest endpoint. Batch identifiers follow
// the teacher's uuid.New().String() convention (see
// internal/modules/scannermodule/scanner/basic_types.go); anything that
// isn't a clean 2xx hands the payload to the Outbox rather than
// dropping it.
package upload

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medialib/agent/internal/model"
)

// Config tunes flush behavior and transport.
type Config struct {
	HostURL   string
	BatchSize int
	FlushAfter time.Duration
	Gzip      bool
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushAfter <= 0 {
		c.FlushAfter = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// OutboxEnqueuer is the subset of store.Outbox the uploader depends on.
type OutboxEnqueuer interface {
	Enqueue(batchID string, payload []byte) error
}

// Outcome classifies the result of a single batch delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

// Uploader buffers records and ships sealed batches to the host.
type Uploader struct {
	cfg    Config
	client *http.Client
	outbox OutboxEnqueuer

	mu        sync.Mutex
	buf       []model.FileRecord
	firstSeen time.Time

	OnResult func(outcome Outcome, batchID string, n int)
}

// New creates an Uploader posting to cfg.HostURL + "/ingest/batch".
func New(cfg Config, outbox OutboxEnqueuer) *Uploader {
	cfg = cfg.withDefaults()
	return &Uploader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		outbox: outbox,
	}
}

// Add appends a record to the buffer, flushing if the size trigger is
// reached. Callers should also call MaybeFlushByTime periodically and
// Flush at phase boundaries.
func (u *Uploader) Add(ctx context.Context, rec model.FileRecord) error {
	u.mu.Lock()
	if len(u.buf) == 0 {
		u.firstSeen = time.Now()
	}
	u.buf = append(u.buf, rec)
	full := len(u.buf) >= u.cfg.BatchSize
	u.mu.Unlock()

	if full {
		return u.Flush(ctx)
	}
	return nil
}

// MaybeFlushByTime flushes the current buffer if it has been open
// longer than cfg.FlushAfter, satisfying the time-based trigger.
func (u *Uploader) MaybeFlushByTime(ctx context.Context) error {
	u.mu.Lock()
	stale := len(u.buf) > 0 && time.Since(u.firstSeen) >= u.cfg.FlushAfter
	u.mu.Unlock()
	if stale {
		return u.Flush(ctx)
	}
	return nil
}

// Flush seals whatever is currently buffered into one batch and sends
// it, regardless of size or age. A no-op on an empty buffer.
func (u *Uploader) Flush(ctx context.Context) error {
	u.mu.Lock()
	if len(u.buf) == 0 {
		u.mu.Unlock()
		return nil
	}
	batch := u.buf
	u.buf = nil
	u.mu.Unlock()

	payload := model.BatchPayload{BatchID: uuid.New().String(), Files: batch}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", payload.BatchID, err)
	}

	outcome := u.deliver(ctx, payload.BatchID, body)
	if outcome != OutcomeDelivered {
		if err := u.outbox.Enqueue(payload.BatchID, body); err != nil {
			return fmt.Errorf("enqueue batch %s to outbox: %w", payload.BatchID, err)
		}
	}
	if u.OnResult != nil {
		u.OnResult(outcome, payload.BatchID, len(batch))
	}
	return nil
}

// Redeliver retries a raw payload previously handed to the outbox,
// bypassing the buffer. It reports plain success/failure since the
// outbox drain loop only needs to know whether to delete the item.
func (u *Uploader) Redeliver(ctx context.Context, payload []byte) bool {
	return u.deliver(ctx, "", payload) == OutcomeDelivered
}

func (u *Uploader) deliver(ctx context.Context, batchID string, body []byte) Outcome {
	encoding := ""
	if u.cfg.Gzip {
		compressed, err := gzipCompress(body)
		if err == nil {
			body = compressed
			encoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.HostURL+"/ingest/batch", bytes.NewReader(body))
	if err != nil {
		return OutcomeTransientFailure
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return OutcomeTransientFailure
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeDelivered
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeTransientFailure
	default:
		return OutcomePermanentFailure
	}
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PendingCount reports how many records are currently buffered,
// unsealed, used by /agent/stats.
func (u *Uploader) PendingCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.buf)
}
