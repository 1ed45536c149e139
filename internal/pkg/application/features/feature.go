package features

import (
	"maps"

	"github.com/paulmach/orb"
)

// DefaultGeometryName is the name of the geometry field of a feature
const DefaultGeometryName string = "geometry"

// Feature is a geometry-plus-properties record. An empty ID means that the
// feature has no identifier. The geometry is never part of Properties.
type Feature struct {
	ID           string
	GeometryName string
	Geometry     orb.Geometry
	Properties   map[string]any
}

func New(id string, geometry orb.Geometry, properties map[string]any) Feature {
	f := Feature{
		ID:           id,
		GeometryName: DefaultGeometryName,
		Geometry:     geometry,
	}
	f.SetProperties(properties)
	return f
}

// SetProperties replaces the property mapping. A key equal to the geometry
// field name is dropped.
func (f *Feature) SetProperties(properties map[string]any) {
	f.Properties = make(map[string]any, len(properties))
	for k, v := range properties {
		if k == f.GeometryKey() {
			continue
		}
		f.Properties[k] = v
	}
}

func (f *Feature) Get(key string) (any, bool) {
	v, ok := f.Properties[key]
	return v, ok
}

// Set stores a property. Setting the geometry field name replaces the
// geometry when the value is a geometry, and is ignored otherwise.
func (f *Feature) Set(key string, value any) {
	if key == f.GeometryKey() {
		if g, ok := value.(orb.Geometry); ok {
			f.Geometry = g
		}
		return
	}

	if f.Properties == nil {
		f.Properties = map[string]any{}
	}
	f.Properties[key] = value
}

func (f *Feature) HasProperties() bool {
	return len(f.Properties) > 0
}

// Clone returns a copy that shares nothing mutable with f, except for
// property values that are themselves maps or slices
func (f Feature) Clone() Feature {
	c := f
	if f.Geometry != nil {
		c.Geometry = orb.Clone(f.Geometry)
	}
	c.Properties = maps.Clone(f.Properties)
	return c
}

// GeometryKey is the property key that addresses the geometry
func (f *Feature) GeometryKey() string {
	if f.GeometryName == "" {
		return DefaultGeometryName
	}
	return f.GeometryName
}
