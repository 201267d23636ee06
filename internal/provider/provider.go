// Package provider wraps external speech-to-text services behind a uniform
// transcription capability. Dispatch is a registry lookup keyed by provider
// id, so adding a backend never touches existing code.
package provider

import (
	"context"

	"meeting-transcriber/internal/models"
)

// Request holds one utterance's audio for a transcription call.
type Request struct {
	Audio      []byte
	MimeType   string
	SampleRate int
	Language   string
}

// Provider is the interface transcription backends implement. Exactly one of
// the two returns is non-nil: a transcript on success, structured failure
// data otherwise. Providers never return raw errors across this boundary.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (*models.Transcription, *models.FailureData)
}

// Registry maps provider ids to adapters.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds an adapter under its name. Later registrations win.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.providers[p.Name()] = p
}

// Lookup returns the adapter for a provider id.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
