// Package overlay owns the single detection overlay attached to a shared map
// surface.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/objdetect-go/internal/result"
)

// DefaultExportName is used when an overlay carries no display tag.
const DefaultExportName = "objects"

// ErrOverlayExists is returned by Materialize when the slot is occupied.
// Callers must Remove the current overlay first.
var ErrOverlayExists = errors.New("overlay already exists")

// Surface is the shared map the overlay is drawn on. Implementations are owned
// by the host application; the manager only adds and removes its own layer.
type Surface interface {
	AddLayer(o *Overlay) error
	RemoveLayer(o *Overlay) error
}

// Restorer is a Surface that outlives the process. Restore returns the overlay
// a previous manager left attached, or nil when there is none.
type Restorer interface {
	Surface
	Restore() (*Overlay, error)
}

// Popup is the interaction metadata shown for a classified feature.
type Popup struct {
	Label      string
	Confidence string
}

// Overlay is a validated collection attached to a surface.
type Overlay struct {
	ID         string
	Tag        string
	Collection *result.Collection
	// Popups is parallel to Collection.Features; nil entries have no popup.
	Popups    []*Popup
	CreatedAt time.Time
}

// Len returns the number of features drawn by the overlay.
func (o *Overlay) Len() int {
	if o == nil {
		return 0
	}
	return o.Collection.Len()
}

// Manager holds at most one overlay on a surface.
type Manager struct {
	mu      sync.Mutex
	surface Surface
	current *Overlay
}

// NewManager creates a manager for the given surface.
func NewManager(surface Surface) *Manager {
	return &Manager{surface: surface}
}

// OpenManager creates a manager for surface. On a Restorer the overlay left by
// an earlier manager is adopted, so the next Remove detaches it.
func OpenManager(surface Surface) (*Manager, error) {
	m := NewManager(surface)
	r, ok := surface.(Restorer)
	if !ok {
		return m, nil
	}
	o, err := r.Restore()
	if err != nil {
		return nil, fmt.Errorf("overlay: restore layer: %w", err)
	}
	m.current = o
	return m, nil
}

// Materialize builds an overlay from c, attaches it to the surface and stores
// it as the current overlay.
func (m *Manager) Materialize(c *result.Collection, tag string) (*Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrOverlayExists
	}
	if c == nil {
		c = &result.Collection{}
	}

	o := &Overlay{
		ID:         uuid.New().String(),
		Tag:        tag,
		Collection: c,
		Popups:     popups(c),
		CreatedAt:  time.Now(),
	}
	if err := m.surface.AddLayer(o); err != nil {
		return nil, fmt.Errorf("overlay: add layer: %w", err)
	}
	m.current = o
	return o, nil
}

// Remove detaches the current overlay. The slot is cleared even when the
// surface fails to remove the layer.
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	o := m.current
	m.current = nil
	if err := m.surface.RemoveLayer(o); err != nil {
		return fmt.Errorf("overlay: remove layer: %w", err)
	}
	return nil
}

// Current returns the live overlay or nil.
func (m *Manager) Current() *Overlay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ExportAsText serializes the overlay geometry as GeoJSON.
func (m *Manager) ExportAsText(o *Overlay) (string, error) {
	if o == nil {
		return "", errors.New("overlay: nothing to export")
	}
	return Export(o.Collection)
}

// Export encodes c as an indented GeoJSON feature collection. An empty
// collection is valid output.
func Export(c *result.Collection) (string, error) {
	data, err := json.MarshalIndent(c.GeoJSON(), "", "    ")
	if err != nil {
		return "", fmt.Errorf("overlay: encode geojson: %w", err)
	}
	return string(data), nil
}

// ExportFilename derives the download name for a display tag.
func ExportFilename(tag string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(tag))
	if name == "" || name == "." || name == ".." {
		name = DefaultExportName
	}
	return name + ".geojson"
}

func popups(c *result.Collection) []*Popup {
	out := make([]*Popup, len(c.Features))
	for i, f := range c.Features {
		if f.Class == nil {
			continue
		}
		out[i] = &Popup{
			Label:      f.Class.Label,
			Confidence: fmt.Sprintf("%.3f", f.Class.Score),
		}
	}
	return out
}
