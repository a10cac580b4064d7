// Package common holds storage helpers shared by the store implementations.
package common

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize bounds a single throttled write and the limiter burst.
const chunkSize = 1 << 20 // 1 MiB

// ThrottledWriter caps the throughput of an underlying writer and keeps a
// running SHA-256 of everything written.
type ThrottledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
	sum     hash.Hash
	written int64
}

// NewThrottledWriter limits w to bytesPerSec; zero or negative means unlimited.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) *ThrottledWriter {
	tw := &ThrottledWriter{ctx: ctx, w: w, sum: sha256.New()}
	if bytesPerSec > 0 {
		burst := chunkSize
		if bytesPerSec < int64(burst) {
			burst = int(bytesPerSec)
		}
		tw.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return tw
}

func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if tw.limiter != nil && n > tw.limiter.Burst() {
			n = tw.limiter.Burst()
		} else if n > chunkSize {
			n = chunkSize
		}
		if tw.limiter != nil {
			if err := tw.limiter.WaitN(tw.ctx, n); err != nil {
				return total, fmt.Errorf("rate limiter error: %w", err)
			}
		} else if err := tw.ctx.Err(); err != nil {
			return total, err
		}
		m, err := tw.w.Write(p[:n])
		tw.sum.Write(p[:m])
		total += m
		tw.written += int64(m)
		if err != nil {
			return total, fmt.Errorf("write error: %w", err)
		}
		p = p[m:]
	}
	return total, nil
}

// Written is the number of bytes passed through so far.
func (tw *ThrottledWriter) Written() int64 { return tw.written }

// Checksum is the hex SHA-256 of the bytes written so far.
func (tw *ThrottledWriter) Checksum() string { return fmt.Sprintf("%x", tw.sum.Sum(nil)) }
