package image

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/manash/lingolens/pkg/models"
)

var ErrPreviewReleased = errors.New("preview already released")

// Preview is a temporary file holding the current image for terminal
// rendering. It implements pipeline.Handle.
type Preview struct {
	path string

	mu       sync.Mutex
	released bool
	renders  sync.WaitGroup
	once     sync.Once
	err      error
}

// NewPreview writes img to a temp file in dir ("" for the OS default).
func NewPreview(img *models.Image, dir string) (*Preview, error) {
	f, err := os.CreateTemp(dir, "lingolens-preview-*"+ExtensionFor(img.MIMEType))
	if err != nil {
		return nil, fmt.Errorf("failed to create preview file: %w", err)
	}
	if _, err := f.Write(img.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write preview file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write preview file: %w", err)
	}
	return &Preview{path: f.Name()}, nil
}

func (p *Preview) Path() string {
	return p.path
}

// Render runs fn with the preview path. Release waits for it to finish.
func (p *Preview) Render(fn func(path string) error) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrPreviewReleased
	}
	p.renders.Add(1)
	p.mu.Unlock()
	defer p.renders.Done()

	return fn(p.path)
}

// Release waits for in-flight renders and removes the file. It is safe to
// call more than once.
func (p *Preview) Release() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.released = true
		p.mu.Unlock()

		p.renders.Wait()
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.err = err
		}
	})
	return p.err
}
