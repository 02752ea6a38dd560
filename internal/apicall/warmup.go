package apicall

import (
	"context"
	"fmt"

	"github.com/gatti/awsperf/internal/cache"
)

// batchWarmup replays a fixed request set through the facade so a
// provisioning run starts with its catalogs already cached.
type batchWarmup struct {
	name   string
	facade *Facade
	reqs   []Request
}

// NewWarmupProvider adapts a request set to the cache warmer.
func NewWarmupProvider(name string, f *Facade, reqs []Request) cache.WarmupProvider {
	return &batchWarmup{name: name, facade: f, reqs: reqs}
}

func (b *batchWarmup) Name() string {
	return b.name
}

func (b *batchWarmup) Warmup(ctx context.Context) error {
	results, err := b.facade.CachedCallBatch(ctx, b.reqs)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("warmup %s: %d/%d requests failed", b.name, failed, len(results))
	}
	return nil
}
