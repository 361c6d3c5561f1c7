package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Strob0t/Maestro/internal/domain/spec"
)

// specCacheTTL bounds in-process residency; the documents themselves never
// go stale because they are content-addressed.
const specCacheTTL = time.Hour

func specCacheKey(hash string) string { return "spec." + hash }

// getSpec loads a committed spec document, consulting the cache first.
func (o *Orchestrator) getSpec(ctx context.Context, protocolID, hash string) (*spec.ProtocolSpec, error) {
	if o.specCache != nil {
		if data, ok, err := o.specCache.Get(ctx, specCacheKey(hash)); err == nil && ok {
			var sp spec.ProtocolSpec
			if uerr := json.Unmarshal(data, &sp); uerr == nil {
				return &sp, nil
			}
		}
	}
	sp, err := o.store.GetSpec(ctx, protocolID, hash)
	if err != nil {
		return nil, err
	}
	o.cacheSpec(ctx, hash, sp)
	return sp, nil
}

// cacheSpec stores a spec document best-effort; a cache failure never fails
// the caller.
func (o *Orchestrator) cacheSpec(ctx context.Context, hash string, sp *spec.ProtocolSpec) {
	if o.specCache == nil {
		return
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return
	}
	_ = o.specCache.Set(ctx, specCacheKey(hash), data, specCacheTTL)
}
