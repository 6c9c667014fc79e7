package resilience

import (
	"context"

	"github.com/vocata-ai/vocata/pkg/provider/gen"
)

// GenFallback implements [gen.Provider] with automatic failover across multiple
// generation endpoints. Only the stream setup is covered by failover; once a
// fragment channel has been handed out, a mid-stream failure surfaces to the
// caller as usual and counts against the next setup attempt, not this one.
type GenFallback struct {
	group *FallbackGroup[gen.Provider]
}

// Compile-time interface assertion.
var _ gen.Provider = (*GenFallback)(nil)

// NewGenFallback creates a [GenFallback] with primary as the preferred endpoint.
func NewGenFallback(primary gen.Provider, primaryName string, cfg FallbackConfig) *GenFallback {
	return &GenFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional generation endpoint as a fallback.
func (f *GenFallback) AddFallback(name string, provider gen.Provider) {
	f.group.AddFallback(name, provider)
}

// Generate opens a fragment stream on the first healthy endpoint.
func (f *GenFallback) Generate(ctx context.Context, req gen.Request) (<-chan gen.Fragment, error) {
	return ExecuteWithResult(f.group, func(p gen.Provider) (<-chan gen.Fragment, error) {
		return p.Generate(ctx, req)
	})
}
