package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// Warmup polling parameters. Polling starts fast for local services and
// backs off for remote ones still downloading their models.
const (
	// WarmupTimeout is the default ceiling on the whole warmup pass.
	WarmupTimeout = 5 * time.Minute

	warmupPollInterval    = 100 * time.Millisecond
	maxWarmupPollInterval = 2 * time.Second
)

// Probe names one dependency the worker warms before reporting ready.
type Probe struct {
	Name  string
	Ready func(ctx context.Context) bool
}

// Warmup polls the probes until every one reports ready, then calls
// onReady. When wait elapses first the worker keeps serving and the
// stragglers load on first use; the health surface keeps reporting
// warmup_complete false until a later pass would succeed.
func Warmup(ctx context.Context, wait time.Duration, onReady func(), probes ...Probe) {
	if wait <= 0 {
		wait = WarmupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	pending := make(map[string]Probe, len(probes))
	for _, p := range probes {
		pending[p.Name] = p
	}

	interval := warmupPollInterval
	for len(pending) > 0 {
		for name, p := range pending {
			if p.Ready(ctx) {
				slog.Info("dependency warm", slog.String("dependency", name))
				delete(pending, name)
			}
		}
		if len(pending) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			for name := range pending {
				slog.Warn("warmup incomplete, loading on first use",
					slog.String("dependency", name))
			}
			return
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxWarmupPollInterval {
			interval = maxWarmupPollInterval
		}
	}

	slog.Info("warmup complete")
	onReady()
}
