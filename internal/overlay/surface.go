package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/objdetect-go/internal/result"
	"gopkg.in/yaml.v3"
)

var (
	// ErrLayerNotFound is returned when a surface has no layer with the given ID.
	ErrLayerNotFound = errors.New("layer not found")
	// ErrAmbiguousLayer is returned when an ID prefix matches several layers.
	ErrAmbiguousLayer = errors.New("layer id prefix is ambiguous")
)

// MemorySurface keeps layers in memory. It is safe for concurrent use.
type MemorySurface struct {
	mu     sync.Mutex
	layers map[string]*Overlay
	order  []string
}

// NewMemorySurface creates an empty in-memory surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{layers: make(map[string]*Overlay)}
}

func (s *MemorySurface) AddLayer(o *Overlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.layers[o.ID]; ok {
		return fmt.Errorf("layer %s already on surface", o.ID)
	}
	s.layers[o.ID] = o
	s.order = append(s.order, o.ID)
	return nil
}

func (s *MemorySurface) RemoveLayer(o *Overlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.layers[o.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, o.ID)
	}
	delete(s.layers, o.ID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == o.ID })
	return nil
}

// Layers returns the attached overlays in insertion order.
func (s *MemorySurface) Layers() []*Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Overlay, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.layers[id])
	}
	return out
}

// LayerInfo describes a layer stored by DirSurface.
type LayerInfo struct {
	ID       string    `yaml:"id"`
	Tag      string    `yaml:"tag"`
	File     string    `yaml:"file"`
	Features int       `yaml:"features"`
	Added    time.Time `yaml:"added"`
	// Current marks the layer owned by the detection overlay manager.
	Current bool `yaml:"current,omitempty"`
}

const indexFile = "index.yaml"

// DirSurface writes each layer as a GeoJSON file into a directory that a map
// viewer can watch. An index.yaml next to the files records tags and counts.
type DirSurface struct {
	mu  sync.Mutex
	dir string
}

// NewDirSurface creates the directory if needed.
func NewDirSurface(dir string) (*DirSurface, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create layers directory: %w", err)
	}
	return &DirSurface{dir: dir}, nil
}

// Dir returns the layers directory.
func (s *DirSurface) Dir() string {
	return s.dir
}

func (s *DirSurface) AddLayer(o *Overlay) error {
	text, err := Export(o.Collection)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return err
	}

	file := o.ID + ".geojson"
	if err := os.WriteFile(filepath.Join(s.dir, file), []byte(text), 0644); err != nil {
		return fmt.Errorf("write layer: %w", err)
	}
	for i := range index {
		index[i].Current = false
	}
	index = append(index, LayerInfo{
		ID:       o.ID,
		Tag:      o.Tag,
		File:     file,
		Features: o.Len(),
		Added:    o.CreatedAt,
		Current:  true,
	})
	return s.writeIndex(index)
}

// Restore rebuilds the overlay most recently added through AddLayer, if it is
// still in the directory.
func (s *DirSurface) Restore() (*Overlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(index, func(l LayerInfo) bool { return l.Current })
	if i < 0 {
		return nil, nil
	}
	info := index[i]
	data, err := os.ReadFile(filepath.Join(s.dir, info.File))
	if err != nil {
		return nil, fmt.Errorf("read layer: %w", err)
	}
	c, err := result.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", info.ID, err)
	}
	return &Overlay{
		ID:         info.ID,
		Tag:        info.Tag,
		Collection: c,
		Popups:     popups(c),
		CreatedAt:  info.Added,
	}, nil
}

func (s *DirSurface) RemoveLayer(o *Overlay) error {
	return s.Remove(o.ID)
}

// Remove deletes a layer by ID or unique ID prefix.
func (s *DirSurface) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return err
	}
	i, err := lookup(index, id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, index[i].File)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove layer file: %w", err)
	}
	return s.writeIndex(slices.Delete(index, i, i+1))
}

// List returns the stored layers, oldest first.
func (s *DirSurface) List() ([]LayerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndex()
}

// Load returns a layer's metadata and GeoJSON content. id may be a unique
// prefix.
func (s *DirSurface) Load(id string) (LayerInfo, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return LayerInfo{}, nil, err
	}
	i, err := lookup(index, id)
	if err != nil {
		return LayerInfo{}, nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, index[i].File))
	if err != nil {
		return LayerInfo{}, nil, fmt.Errorf("read layer: %w", err)
	}
	return index[i], data, nil
}

// lookup finds the layer whose ID equals id or, failing that, is the only one
// starting with it.
func lookup(index []LayerInfo, id string) (int, error) {
	if id == "" {
		return -1, fmt.Errorf("%w: empty id", ErrLayerNotFound)
	}
	if i := slices.IndexFunc(index, func(l LayerInfo) bool { return l.ID == id }); i >= 0 {
		return i, nil
	}
	found := -1
	for i, l := range index {
		if !strings.HasPrefix(l.ID, id) {
			continue
		}
		if found >= 0 {
			return -1, fmt.Errorf("%w: %s", ErrAmbiguousLayer, id)
		}
		found = i
	}
	if found < 0 {
		return -1, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return found, nil
}

// readIndex loads index.yaml. Caller must hold s.mu.
func (s *DirSurface) readIndex() ([]LayerInfo, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read layer index: %w", err)
	}
	var index []LayerInfo
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse layer index: %w", err)
	}
	return index, nil
}

// writeIndex replaces index.yaml atomically. Caller must hold s.mu.
func (s *DirSurface) writeIndex(index []LayerInfo) error {
	data, err := yaml.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode layer index: %w", err)
	}
	tmp := filepath.Join(s.dir, indexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write layer index: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, indexFile)); err != nil {
		return fmt.Errorf("replace layer index: %w", err)
	}
	return nil
}
