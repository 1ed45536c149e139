package geojson

import (
	"encoding/json"
	"fmt"

	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const GeoPropertyTag string = "GeoProperty"

type PropertyImpl struct {
	Type string `json:"type"`
}

// GeoJSONProperty holds a geometry in its GeoJSON interchange form. The value
// is kept raw so that geometry errors surface when the value is read through
// a Codec rather than when the entity body is parsed.
type GeoJSONProperty struct {
	PropertyImpl
	Val json.RawMessage `json:"value"`
}

func (gjp *GeoJSONProperty) Type() string {
	return gjp.PropertyImpl.Type
}

func (gjp *GeoJSONProperty) GeoJSON() json.RawMessage {
	return gjp.Val
}

// Value returns the geometry decoded without any reprojection, or nil if the
// value can not be decoded
func (gjp *GeoJSONProperty) Value() any {
	g, err := NewCodec().ReadGeometry(gjp.Val, Options{})
	if err != nil {
		return nil
	}
	return g
}

// NewGeoJSONProperty wraps a (WGS84) geometry in a GeoProperty record
func NewGeoJSONProperty(g orb.Geometry) (*GeoJSONProperty, error) {
	b, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, err
	}

	return &GeoJSONProperty{
		PropertyImpl: PropertyImpl{Type: GeoPropertyTag},
		Val:          b,
	}, nil
}

// CreateGeoJSONPropertyFromWGS84 creates a GeoJSONProperty from a WGS84 coordinate
func CreateGeoJSONPropertyFromWGS84(longitude, latitude float64) *GeoJSONProperty {
	p, _ := NewGeoJSONProperty(orb.Point{longitude, latitude})
	return p
}

// CreateGeoJSONPropertyFromLineString creates a GeoJSONProperty from an array of line coordinate arrays
func CreateGeoJSONPropertyFromLineString(coordinates [][]float64) *GeoJSONProperty {
	ls := make(orb.LineString, 0, len(coordinates))
	for _, c := range coordinates {
		if len(c) >= 2 {
			ls = append(ls, orb.Point{c[0], c[1]})
		}
	}

	p, _ := NewGeoJSONProperty(ls)
	return p
}

// RawGeometry is a geometry attribute written without any attribute record
// around it, as expected by partial updates
type RawGeometry struct {
	geometryType string
	geojson      json.RawMessage
}

func NewRawGeometry(value json.RawMessage) (*RawGeometry, error) {
	g, err := geojson.UnmarshalGeometry(value)
	if err != nil {
		return nil, err
	}

	return &RawGeometry{geometryType: g.Type, geojson: value}, nil
}

func (rg *RawGeometry) Type() string {
	return rg.geometryType
}

func (rg *RawGeometry) GeoJSON() json.RawMessage {
	return rg.geojson
}

func (rg *RawGeometry) MarshalJSON() ([]byte, error) {
	return rg.geojson, nil
}

func UnmarshalG(body map[string]any) (types.GeoProperty, error) {
	value, ok := body["value"]
	if !ok {
		return nil, fmt.Errorf("geoproperties without a value attribute are not supported")
	}

	attrType, _ := body["type"].(string)
	if attrType == "" {
		attrType = GeoPropertyTag
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("unable to keep geoproperty value: %w", err)
	}

	return &GeoJSONProperty{
		PropertyImpl: PropertyImpl{Type: attrType},
		Val:          raw,
	}, nil
}
