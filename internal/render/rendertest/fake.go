// Package rendertest provides a deterministic in-memory Renderer for tests.
package rendertest

import (
	"context"
	"encoding/json"
	"sync"

	"esign-workflow/internal/domain"
	"esign-workflow/internal/render"
)

// Fake renders a version as the JSON of its render request, so the bytes
// change whenever a burned-in value changes.
type Fake struct {
	mu    sync.Mutex
	err   error
	calls int
}

var _ render.Renderer = (*Fake)(nil)

func (f *Fake) Render(ctx context.Context, version *domain.Version, fields []domain.Field) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(render.NewRenderRequest(version, fields))
	if err != nil {
		return nil, err
	}
	return append([]byte("%PDF-fake\n"), body...), nil
}

// FailWith makes subsequent calls return err; nil restores success.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
