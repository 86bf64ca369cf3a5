package models

import "slices"

// DetectionModel is one entry of the model catalog offered to users.
type DetectionModel struct {
	Name    string // request value, e.g. "cars"
	Label   string // display name
	Version string
}

// DefaultModel is used when no preference is stored or the stored one is unknown.
const DefaultModel = "cars"

// Catalog lists the models the detector plugin ships, in display order.
var Catalog = []DetectionModel{
	{Name: "cars", Label: "Cars", Version: "1.0"},
	{Name: "athletic", Label: "Athletic Facilities", Version: "1.0"},
	{Name: "boats", Label: "Boats", Version: "1.0"},
	{Name: "planes", Label: "Planes", Version: "1.0"},
	{Name: "coffee", Label: "Coffee Plants", Version: "1.0"},
}

// LookupModel returns the catalog entry for name.
func LookupModel(name string) (DetectionModel, bool) {
	i := slices.IndexFunc(Catalog, func(m DetectionModel) bool { return m.Name == name })
	if i < 0 {
		return DetectionModel{}, false
	}
	return Catalog[i], true
}

// ValidModel reports whether name is in the catalog.
func ValidModel(name string) bool {
	_, ok := LookupModel(name)
	return ok
}

// ModelOrDefault returns name if it is in the catalog, else DefaultModel.
func ModelOrDefault(name string) string {
	if ValidModel(name) {
		return name
	}
	return DefaultModel
}
