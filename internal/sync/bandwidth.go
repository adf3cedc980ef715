package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/icloud-backup/internal/config"
)

// burstMultiplier controls the token bucket burst size relative to the per-second rate.
const burstMultiplier = 2

// BandwidthLimiter provides shared rate limiting across all transfer workers.
// A single limiter is shared by every concurrent download, so aggregate
// throughput stays within the configured bandwidth_limit.
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

// NewBandwidthLimiter creates a limiter from the bandwidth_limit config string.
// Returns nil if limit is "0" or empty (unlimited).
func NewBandwidthLimiter(bandwidthLimit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := config.ParseRate(bandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: parse limit %q: %w", bandwidthLimit, err)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter = unlimited
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth: limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &BandwidthLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}, nil
}

// WrapReader returns a rate-limited io.Reader. If bl is nil, returns r unchanged.
func (bl *BandwidthLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &rateLimitedReader{r: r, limiter: bl.limiter, ctx: ctx}
}

// wrapReader is a nil-safe helper for call sites holding a possibly nil limiter.
func wrapReader(bl *BandwidthLimiter, ctx context.Context, r io.Reader) io.Reader {
	return bl.WrapReader(ctx, r)
}

// rateLimitedReader blocks after each read until the limiter allows the
// bytes consumed.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.limiter, r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a large token request into burst-sized chunks, since
// rate.Limiter.WaitN rejects requests exceeding the burst size.
func waitN(limiter *rate.Limiter, ctx context.Context, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
