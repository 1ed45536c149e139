package geojson

import (
	"bytes"
	"encoding/json"
	"fmt"

	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Options selects the projection of the interchange form (DataProjection) and
// the projection the caller works in (FeatureProjection). An empty
// FeatureProjection means no reprojection.
type Options struct {
	DataProjection    string
	FeatureProjection string
}

func (o Options) dataProjection() string {
	if o.DataProjection == "" {
		return DefaultDataProjection
	}
	return o.DataProjection
}

func (o Options) featureProjection() string {
	if o.FeatureProjection == "" {
		return o.dataProjection()
	}
	return o.FeatureProjection
}

// Codec reads and writes single geometry values
type Codec interface {
	ReadGeometry(value json.RawMessage, opts Options) (orb.Geometry, error)
	WriteGeometryObject(g orb.Geometry, opts Options) (json.RawMessage, error)
}

func NewCodec() Codec {
	return &orbCodec{}
}

type orbCodec struct{}

// ReadGeometry decodes a GeoJSON geometry object. A missing or null value
// yields a nil geometry and no error.
func (c *orbCodec) ReadGeometry(value json.RawMessage, opts Options) (orb.Geometry, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	g, err := geojson.UnmarshalGeometry(trimmed)
	if err != nil {
		return nil, fmt.Errorf("unable to read geometry: %s (%w)", err.Error(), ngsierrors.ErrGeometryDecode)
	}

	if g.Coordinates == nil && len(g.Geometries) == 0 {
		return nil, fmt.Errorf("geometry of type %q has no coordinates (%w)", g.Type, ngsierrors.ErrGeometryDecode)
	}

	projected, err := Transform(g.Geometry(), opts.dataProjection(), opts.featureProjection())
	if err != nil {
		return nil, fmt.Errorf("unable to project geometry: %s (%w)", err.Error(), ngsierrors.ErrGeometryDecode)
	}

	return projected, nil
}

func (c *orbCodec) WriteGeometryObject(g orb.Geometry, opts Options) (json.RawMessage, error) {
	if g == nil {
		return nil, fmt.Errorf("no geometry to write (%w)", ngsierrors.ErrGeometryEncode)
	}

	projected, err := Transform(g, opts.featureProjection(), opts.dataProjection())
	if err != nil {
		return nil, fmt.Errorf("unable to project geometry: %s (%w)", err.Error(), ngsierrors.ErrGeometryEncode)
	}

	b, err := geojson.NewGeometry(projected).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("unable to write geometry: %s (%w)", err.Error(), ngsierrors.ErrGeometryEncode)
	}

	return b, nil
}
