// Package provider adapts locally-running inference backends to a
// common capability-tagged contract.
package provider

import (
	"context"

	"github.com/raphaelgruber/conduit/internal/models"
)

// ProgressFunc receives progress events during a generation call.
type ProgressFunc func(models.ProgressEvent)

// Provider is a capability-tagged backend adapter. Liveness and
// discovery are best-effort: IsRunning never errors and DiscoverModels
// returns an empty list when the backend is unreachable or misbehaving.
type Provider interface {
	Name() string
	DisplayName() string
	Capability() models.Capability
	IsRunning(ctx context.Context) bool
	DiscoverModels(ctx context.Context) []models.ModelRecord
}

// TextProvider streams chat completions. Each Chat call is a fresh
// stream; onDelta receives content deltas in order and may abort the
// stream by returning an error. The full response is returned once the
// stream completes.
type TextProvider interface {
	Provider
	Chat(ctx context.Context, model string, payload models.ChatPayload, onDelta func(delta string) error) (string, error)
}

// ImageProvider performs single-shot image generation, optionally
// reporting backend-side progress through onProgress.
type ImageProvider interface {
	Provider
	Generate(ctx context.Context, model string, payload models.ImagePayload, onProgress ProgressFunc) (models.JobResult, error)
}

// VideoProvider runs asynchronous multi-step video generation jobs.
type VideoProvider interface {
	Provider
	Generate(ctx context.Context, model string, payload models.VideoPayload, onProgress ProgressFunc) (models.JobResult, error)
}

// Set is the collection of configured providers, looked up by
// capability.
type Set struct {
	providers []Provider
}

// NewSet builds a provider set.
func NewSet(providers ...Provider) *Set {
	return &Set{providers: providers}
}

// All returns every configured provider.
func (s *Set) All() []Provider {
	return s.providers
}

// ByCapability returns the first provider with the given capability.
func (s *Set) ByCapability(cap models.Capability) (Provider, bool) {
	for _, p := range s.providers {
		if p.Capability() == cap {
			return p, true
		}
	}
	return nil, false
}

// DiscoverAll enumerates models across all live providers. Unreachable
// backends contribute nothing.
func (s *Set) DiscoverAll(ctx context.Context) []models.ModelRecord {
	var records []models.ModelRecord
	for _, p := range s.providers {
		records = append(records, p.DiscoverModels(ctx)...)
	}
	return records
}
