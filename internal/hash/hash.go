// Package hash computes sample and full content fingerprints for
// files under a configurable algorithm. Algorithm implementations are
// grounded on github.com/zeebo/blake3 and github.com/cespare/xxhash/v2,
// the way bamsammich/beam hashes file content and rolling checksums
// respectively; sha256 is the standard library's own primitive.
package hash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

// Algo identifies a supported hashing algorithm.
type Algo string

const (
	AlgoBlake3   Algo = "blake3"
	AlgoXXHash64 Algo = "xxhash64"
	AlgoSHA256   Algo = "sha256"
)

// HashError wraps an I/O failure encountered while hashing a file. The
// caller treats the file as un-hashable: it still emits the base
// record, without a Hashes sub-record.
type HashError struct {
	Path string
	Err  error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("hash %s: %v", e.Path, e.Err)
}

func (e *HashError) Unwrap() error { return e.Err }

// Result is the outcome of a successful Hash call.
type Result struct {
	SampleHash string
	FullHash   string // empty when doFull is false
}

const streamBufSize = 32 * 1024

func newHasher(algo Algo) (hash.Hash, error) {
	switch algo {
	case AlgoBlake3:
		return blake3.New(), nil
	case AlgoXXHash64:
		return xxhash.New(), nil
	case AlgoSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", algo)
	}
}

// Hash computes the sample digest of the leading min(sampleSize, size)
// bytes of path, and optionally the full-file digest, under algo. No
// concurrent hashing of the same path is assumed; scheduling, not
// internal locking, guarantees that.
//
// limiter, when non-nil, paces the full-file read (not the cheap
// sample read) to bound disk throughput — used during off-peak full
// hashing so a large backlog of full hashes doesn't saturate the disk.
// A nil limiter imposes no pacing.
func Hash(path string, algo Algo, sampleSize int64, doFull bool, limiter *rate.Limiter) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, &HashError{Path: path, Err: err}
	}
	defer f.Close()

	sampleHasher, err := newHasher(algo)
	if err != nil {
		return Result{}, err
	}

	limited := io.LimitReader(f, sampleSize)
	buf := make([]byte, streamBufSize)
	if _, err := io.CopyBuffer(sampleHasher, limited, buf); err != nil {
		return Result{}, &HashError{Path: path, Err: err}
	}
	result := Result{SampleHash: hex.EncodeToString(sampleHasher.Sum(nil))}

	if !doFull {
		return result, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Result{}, &HashError{Path: path, Err: err}
	}
	fullHasher, err := newHasher(algo)
	if err != nil {
		return Result{}, err
	}

	var source io.Reader = f
	if limiter != nil {
		source = &throttledReader{r: f, lim: limiter}
	}
	if _, err := io.CopyBuffer(fullHasher, source, buf); err != nil {
		return Result{}, &HashError{Path: path, Err: err}
	}
	result.FullHash = hex.EncodeToString(fullHasher.Sum(nil))
	return result, nil
}

// throttledReader paces reads against a bytes-per-second token bucket,
// grounded on the teacher's general io.Reader-wrapping idiom (e.g. its
// progress-reporting readers in the transcoding pipeline).
type throttledReader struct {
	r   io.Reader
	lim *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.lim.WaitN(context.Background(), n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
