package wallet

import (
	"context"
	"time"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/logger"
)

// DefaultDetectTimeout bounds a single adapter's detection.
const DefaultDetectTimeout = 3 * time.Second

type ProviderStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	LatencyMS int64  `json:"latency_ms"`
}

// SelectFirstAvailable probes adapters strictly in order and returns the first
// whose Detect succeeds. Adapter N+1 is never probed before adapter N's
// detection has returned. When nothing is detected the error carries
// CodeProviderNotFound.
func SelectFirstAvailable(ctx context.Context, lggr logger.Logger, adapters []Adapter, perAdapterTimeout time.Duration) (Adapter, error) {
	if lggr == nil {
		lggr = logger.Nop()
	}
	if perAdapterTimeout <= 0 {
		perAdapterTimeout = DefaultDetectTimeout
	}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, clierr.Wrap(clierr.CodeCancelled, "provider detection cancelled", err)
		}
		lggr.Debugw("trying adapter", "adapter", a.Name())
		if a.Detect(ctx, perAdapterTimeout) {
			lggr.Infow("adapter detected", "adapter", a.Name())
			return a, nil
		}
		lggr.Debugw("adapter not available", "adapter", a.Name())
	}
	return nil, clierr.New(clierr.CodeProviderNotFound, "no provider available")
}

// ListProviders reports detection results for every adapter, probing them
// sequentially for the same reason as SelectFirstAvailable.
func ListProviders(ctx context.Context, adapters []Adapter, timeout time.Duration) []ProviderStatus {
	if timeout <= 0 {
		timeout = DefaultDetectTimeout
	}
	out := make([]ProviderStatus, 0, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		start := time.Now()
		available := ctx.Err() == nil && a.Detect(ctx, timeout)
		out = append(out, ProviderStatus{
			Name:      a.Name(),
			Available: available,
			LatencyMS: time.Since(start).Milliseconds(),
		})
	}
	return out
}
