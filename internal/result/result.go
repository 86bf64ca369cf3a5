// Package result validates detection job output and turns it into a feature
// collection that can be drawn as an overlay.
package result

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Property names the detector uses for classification metadata.
const (
	PropClass = "class"
	PropScore = "score"
)

// Classification is the label and confidence score attached to a detection.
type Classification struct {
	Label string
	Score float64
}

// Feature is a single validated geometry with its properties.
// Class is nil when the detector did not classify the feature.
type Feature struct {
	ID         any // optional GeoJSON feature id, carried through export
	BBox       geojson.BBox
	Geometry   orb.Geometry
	Properties map[string]any
	Class      *Classification
}

// Collection is a validated, overlay-ready feature collection.
type Collection struct {
	Features []Feature
}

// Len returns the number of features.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Features)
}

// Classified returns the number of features carrying classification metadata.
func (c *Collection) Classified() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, f := range c.Features {
		if f.Class != nil {
			n++
		}
	}
	return n
}

// GeoJSON converts the collection back into a GeoJSON feature collection.
// Properties are copied so the result can be modified freely.
func (c *Collection) GeoJSON() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if c == nil {
		return fc
	}
	for _, f := range c.Features {
		gf := geojson.NewFeature(f.Geometry)
		gf.ID = f.ID
		gf.BBox = f.BBox
		for k, v := range f.Properties {
			gf.Properties[k] = v
		}
		fc.Append(gf)
	}
	return fc
}

// Parse validates raw job output. It never performs I/O and returns the same
// result for the same input.
func Parse(raw []byte) (*Collection, error) {
	if !json.Valid(raw) {
		return nil, &ValidationError{Kind: MalformedPayload, Detail: "payload is not valid JSON"}
	}

	var head struct {
		Type     *string          `json:"type"`
		Features *json.RawMessage `json:"features"`
		Error    any              `json:"error"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, schemaErr(err, "payload is not a JSON object")
	}
	if head.Error != nil && head.Error != "" {
		return nil, schemaErr(nil, fmt.Sprintf("detector reported an error: %v", head.Error))
	}
	if head.Type == nil || *head.Type != "FeatureCollection" {
		return nil, schemaErr(nil, "type must be FeatureCollection")
	}
	if head.Features == nil {
		return nil, schemaErr(nil, "features member is missing")
	}

	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, schemaErr(err, "invalid feature collection")
	}

	out := &Collection{Features: make([]Feature, 0, len(fc.Features))}
	for i, f := range fc.Features {
		feat, err := convert(f)
		if err != nil {
			return nil, schemaErr(err, fmt.Sprintf("feature %d", i))
		}
		out.Features = append(out.Features, feat)
	}
	return out, nil
}

func convert(f *geojson.Feature) (Feature, error) {
	if f == nil {
		return Feature{}, fmt.Errorf("feature is null")
	}
	if f.Geometry == nil {
		return Feature{}, fmt.Errorf("geometry is missing")
	}

	props := make(map[string]any, len(f.Properties))
	for k, v := range f.Properties {
		props[k] = v
	}

	class, err := classification(props)
	if err != nil {
		return Feature{}, err
	}
	return Feature{ID: f.ID, BBox: f.BBox, Geometry: f.Geometry, Properties: props, Class: class}, nil
}

// classification enforces that class and score are either both present or
// both absent.
func classification(props map[string]any) (*Classification, error) {
	rawLabel, hasLabel := props[PropClass]
	rawScore, hasScore := props[PropScore]

	switch {
	case !hasLabel && !hasScore:
		return nil, nil
	case hasLabel && !hasScore:
		return nil, fmt.Errorf("%q without %q", PropClass, PropScore)
	case !hasLabel && hasScore:
		return nil, fmt.Errorf("%q without %q", PropScore, PropClass)
	}

	label, ok := rawLabel.(string)
	if !ok {
		return nil, fmt.Errorf("%q must be a string, got %T", PropClass, rawLabel)
	}
	score, ok := rawScore.(float64)
	if !ok {
		return nil, fmt.Errorf("%q must be a number, got %T", PropScore, rawScore)
	}
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("%q %v outside [0,1]", PropScore, score)
	}
	return &Classification{Label: label, Score: score}, nil
}
