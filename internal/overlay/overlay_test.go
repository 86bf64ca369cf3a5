package overlay_test

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/raphaelgruber/objdetect-go/internal/overlay"
	"github.com/raphaelgruber/objdetect-go/internal/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = `{
	"type": "FeatureCollection",
	"features": [
		{"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[0,0],[2,0],[2,2],[0,0]]]},
		 "properties": {"class": "plane", "score": 0.91234}},
		{"type": "Feature", "geometry": {"type": "Point", "coordinates": [4, 5]},
		 "properties": {}},
		{"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[0,0],[1,1]]},
		 "properties": {"class": "boat", "score": 0.5}}
	]
}`

type failingSurface struct {
	addErr, removeErr error
}

func (s failingSurface) AddLayer(*overlay.Overlay) error    { return s.addErr }
func (s failingSurface) RemoveLayer(*overlay.Overlay) error { return s.removeErr }

func mustParse(t *testing.T, raw string) *result.Collection {
	t.Helper()
	c, err := result.Parse([]byte(raw))
	require.NoError(t, err)
	return c
}

func TestMaterializeAttachesToSurface(t *testing.T) {
	surface := overlay.NewMemorySurface()
	m := overlay.NewManager(surface)

	o, err := m.Materialize(mustParse(t, payload), "planes")
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "planes", o.Tag)
	assert.Equal(t, 3, o.Len())
	assert.Same(t, o, m.Current())
	require.Len(t, surface.Layers(), 1)
	assert.Same(t, o, surface.Layers()[0])

	require.Len(t, o.Popups, 3)
	require.NotNil(t, o.Popups[0])
	assert.Equal(t, "plane", o.Popups[0].Label)
	assert.Equal(t, "0.912", o.Popups[0].Confidence)
	assert.Nil(t, o.Popups[1])
	assert.Equal(t, "0.500", o.Popups[2].Confidence)
}

func TestMaterializeNeverReplaces(t *testing.T) {
	surface := overlay.NewMemorySurface()
	m := overlay.NewManager(surface)

	first, err := m.Materialize(mustParse(t, payload), "a")
	require.NoError(t, err)

	_, err = m.Materialize(mustParse(t, payload), "b")
	require.ErrorIs(t, err, overlay.ErrOverlayExists)
	assert.Same(t, first, m.Current())
	assert.Len(t, surface.Layers(), 1)
}

func TestRemoveIsIdempotent(t *testing.T) {
	surface := overlay.NewMemorySurface()
	m := overlay.NewManager(surface)

	require.NoError(t, m.Remove(), "remove on empty slot is a no-op")

	_, err := m.Materialize(mustParse(t, payload), "cars")
	require.NoError(t, err)

	require.NoError(t, m.Remove())
	require.NoError(t, m.Remove())
	assert.Nil(t, m.Current())
	assert.Empty(t, surface.Layers())

	_, err = m.Materialize(mustParse(t, payload), "cars")
	require.NoError(t, err, "slot is free again after remove")
	assert.Len(t, surface.Layers(), 1)
}

func TestSurfaceFailures(t *testing.T) {
	boom := errors.New("surface gone")

	t.Run("add failure leaves slot empty", func(t *testing.T) {
		m := overlay.NewManager(failingSurface{addErr: boom})
		_, err := m.Materialize(mustParse(t, payload), "x")
		require.ErrorIs(t, err, boom)
		assert.Nil(t, m.Current())
	})

	t.Run("remove failure still clears slot", func(t *testing.T) {
		m := overlay.NewManager(failingSurface{removeErr: boom})
		_, err := m.Materialize(mustParse(t, payload), "x")
		require.NoError(t, err)
		require.ErrorIs(t, m.Remove(), boom)
		assert.Nil(t, m.Current())
	})
}

func TestExportRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"multi feature", payload},
		{"empty", `{"type":"FeatureCollection","features":[]}`},
		{"feature id and bbox", `{"type":"FeatureCollection","features":[
			{"type":"Feature","id":"det-7","bbox":[1,2,3,4],"geometry":{"type":"Point","coordinates":[2,3]},"properties":{"class":"boat","score":0.5}},
			{"type":"Feature","id":42,"geometry":{"type":"Point","coordinates":[5,6]},"properties":{}}
		]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := mustParse(t, tt.raw)
			m := overlay.NewManager(overlay.NewMemorySurface())
			o, err := m.Materialize(in, "cars")
			require.NoError(t, err)

			text, err := m.ExportAsText(o)
			require.NoError(t, err)

			out := mustParse(t, text)
			require.Equal(t, in.Len(), out.Len())
			for i := range in.Features {
				assert.True(t, orb.Equal(in.Features[i].Geometry, out.Features[i].Geometry), "geometry %d", i)
				assert.Equal(t, in.Features[i].Class, out.Features[i].Class, "classification %d", i)
				assert.Equal(t, in.Features[i].ID, out.Features[i].ID, "id %d", i)
				assert.Equal(t, in.Features[i].BBox, out.Features[i].BBox, "bbox %d", i)
			}
		})
	}
}

func TestExportIsIndented(t *testing.T) {
	text, err := overlay.Export(mustParse(t, `{"type":"FeatureCollection","features":[]}`))
	require.NoError(t, err)
	assert.Contains(t, text, "\n    \"")
	assert.Contains(t, text, `"FeatureCollection"`)
}

func TestExportNilOverlay(t *testing.T) {
	m := overlay.NewManager(overlay.NewMemorySurface())
	_, err := m.ExportAsText(nil)
	require.Error(t, err)
}

func TestExportFilename(t *testing.T) {
	tests := []struct {
		tag  string
		want string
	}{
		{"cars", "cars.geojson"},
		{"", "objects.geojson"},
		{"   ", "objects.geojson"},
		{"..", "objects.geojson"},
		{"a/b", "a_b.geojson"},
		{"model=coffee", "model=coffee.geojson"},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			assert.Equal(t, tt.want, overlay.ExportFilename(tt.tag))
		})
	}
}
