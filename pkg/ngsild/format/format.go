package format

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/features"
	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/geojson"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/properties"
	"github.com/paulmach/orb"
)

const DefaultGeoProperty string = properties.Location

// Mode selects the shape of encoded entities
type Mode int

const (
	// ModeEntity writes a complete entity with id, type and a GeoProperty
	ModeEntity Mode = iota
	// ModePatch writes an attribute fragment with a raw geometry and
	// without id and type
	ModePatch
)

// ProjectionOptions override the projections of a Format for a single call
type ProjectionOptions struct {
	DataProjection    string
	FeatureProjection string
}

// Codec is the entity translation used by feature sources
type Codec interface {
	DecodeOne(entity types.Entity, po ProjectionOptions) (features.Feature, error)
	DecodeMany(entities []types.Entity, po ProjectionOptions) ([]features.Feature, error)
	EncodeOne(feature features.Feature, mode Mode, po ProjectionOptions) (types.EntityFragment, error)
	EncodeMany(fs []features.Feature, mode Mode, po ProjectionOptions) ([]types.EntityFragment, error)
}

type Options struct {
	GeometryName      string
	TypeName          string
	GeoProperty       string
	PropertyTag       string
	DataProjection    string
	FeatureProjection string

	geometryCodec geojson.Codec
}

func GeometryName(name string) func(*Options) {
	return func(o *Options) { o.GeometryName = name }
}

func TypeName(name string) func(*Options) {
	return func(o *Options) { o.TypeName = name }
}

func GeoProperty(name string) func(*Options) {
	return func(o *Options) { o.GeoProperty = name }
}

func PropertyTag(tag string) func(*Options) {
	return func(o *Options) { o.PropertyTag = tag }
}

func DataProjection(code string) func(*Options) {
	return func(o *Options) { o.DataProjection = code }
}

func FeatureProjection(code string) func(*Options) {
	return func(o *Options) { o.FeatureProjection = code }
}

func WithGeometryCodec(codec geojson.Codec) func(*Options) {
	return func(o *Options) { o.geometryCodec = codec }
}

type Format struct {
	opts Options
}

func New(options ...func(*Options)) *Format {
	opts := Options{
		GeometryName:   features.DefaultGeometryName,
		GeoProperty:    DefaultGeoProperty,
		PropertyTag:    properties.PropertyTag,
		DataProjection: geojson.DefaultDataProjection,
		geometryCodec:  geojson.NewCodec(),
	}

	for _, option := range options {
		option(&opts)
	}

	return &Format{opts: opts}
}

func (f *Format) Options() Options {
	return f.opts
}

func (f *Format) projections(po ProjectionOptions) geojson.Options {
	o := geojson.Options{
		DataProjection:    f.opts.DataProjection,
		FeatureProjection: f.opts.FeatureProjection,
	}

	if po.DataProjection != "" {
		o.DataProjection = po.DataProjection
	}

	if po.FeatureProjection != "" {
		o.FeatureProjection = po.FeatureProjection
	}

	return o
}

// DecodeOne translates an entity into a feature. Only attributes tagged with
// the configured property tag become properties.
func (f *Format) DecodeOne(entity types.Entity, po ProjectionOptions) (features.Feature, error) {
	feature := features.Feature{
		ID:           entity.ID(),
		GeometryName: f.opts.GeometryName,
	}

	geometry, err := f.readGeometry(entity, po)
	if err != nil {
		return features.Feature{}, fmt.Errorf("entity %s: %w", entity.ID(), err)
	}
	feature.Geometry = geometry

	props := map[string]any{}
	entity.ForEachAttribute(func(attributeType, attributeName string, contents any) {
		if attributeType != f.opts.PropertyTag || attributeName == f.opts.GeoProperty {
			return
		}

		if p, ok := contents.(types.Property); ok {
			props[attributeName] = p.Value()
		}
	})

	feature.SetProperties(props)

	return feature, nil
}

func (f *Format) readGeometry(entity types.Entity, po ProjectionOptions) (orb.Geometry, error) {
	attr, ok := entity.Attribute(f.opts.GeoProperty)
	if !ok {
		return nil, nil
	}

	var raw json.RawMessage

	switch a := attr.(type) {
	case types.GeoProperty:
		raw = a.GeoJSON()
	case types.Property:
		b, err := json.Marshal(a.Value())
		if err != nil {
			return nil, ngsierrors.NewGeometryDecodeError(err.Error())
		}
		raw = b
	default:
		return nil, ngsierrors.NewGeometryDecodeError(fmt.Sprintf("attribute %s of type %s holds no geometry", f.opts.GeoProperty, attr.Type()))
	}

	return f.opts.geometryCodec.ReadGeometry(raw, f.projections(po))
}

// DecodeMany translates entities into features in input order
func (f *Format) DecodeMany(entities []types.Entity, po ProjectionOptions) ([]features.Feature, error) {
	result := make([]features.Feature, 0, len(entities))

	for idx, e := range entities {
		feature, err := f.DecodeOne(e, po)
		if err != nil {
			return nil, fmt.Errorf("failed to decode entity at index %d: %w", idx, err)
		}
		result = append(result, feature)
	}

	return result, nil
}

// DecodeJSON accepts either a single entity object or an array of entities
func (f *Format) DecodeJSON(body []byte, po ProjectionOptions) ([]features.Feature, error) {
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		es, err := entities.NewFromSlice(body)
		if err != nil {
			return nil, err
		}
		return f.DecodeMany(es, po)
	}

	e, err := entities.NewFromJSON(body)
	if err != nil {
		return nil, err
	}

	feature, err := f.DecodeOne(e, po)
	if err != nil {
		return nil, err
	}

	return []features.Feature{feature}, nil
}

func (f *Format) typeOf(feature features.Feature) (string, error) {
	if f.opts.TypeName != "" {
		return f.opts.TypeName, nil
	}

	if t, ok := feature.Properties["type"].(string); ok && t != "" {
		return t, nil
	}

	return "", ngsierrors.NewMissingTypeError(fmt.Sprintf("feature %q has no type and no type name is configured", feature.ID))
}

// EncodeOne translates a feature into an entity or, in patch mode, into an
// attribute fragment
func (f *Format) EncodeOne(feature features.Feature, mode Mode, po ProjectionOptions) (types.EntityFragment, error) {
	entityType, err := f.typeOf(feature)
	if err != nil {
		return nil, err
	}

	decorators := []entities.EntityDecoratorFunc{}

	if mode == ModeEntity {
		decorators = append(decorators, entities.Identity(feature.ID, entityType))
	}

	for key, value := range feature.Properties {
		if key == "id" || key == "type" || key == f.opts.GeometryName || key == f.opts.GeoProperty {
			continue
		}
		decorators = append(decorators, entities.P(key, properties.New(value, properties.Tag(f.opts.PropertyTag))))
	}

	if feature.Geometry != nil {
		raw, err := f.opts.geometryCodec.WriteGeometryObject(feature.Geometry, f.projections(po))
		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", feature.ID, err)
		}

		if mode == ModePatch {
			rg, err := geojson.NewRawGeometry(raw)
			if err != nil {
				return nil, fmt.Errorf("feature %q: %s (%w)", feature.ID, err.Error(), ngsierrors.ErrGeometryEncode)
			}
			decorators = append(decorators, entities.G(f.opts.GeoProperty, rg))
		} else {
			decorators = append(decorators, entities.G(f.opts.GeoProperty, &geojson.GeoJSONProperty{
				PropertyImpl: geojson.PropertyImpl{Type: geojson.GeoPropertyTag},
				Val:          raw,
			}))
		}
	}

	return entities.NewFragment(decorators...)
}

func (f *Format) EncodeMany(fs []features.Feature, mode Mode, po ProjectionOptions) ([]types.EntityFragment, error) {
	result := make([]types.EntityFragment, 0, len(fs))

	for idx, feature := range fs {
		fragment, err := f.EncodeOne(feature, mode, po)
		if err != nil {
			return nil, fmt.Errorf("failed to encode feature at index %d: %w", idx, err)
		}
		result = append(result, fragment)
	}

	return result, nil
}

// EncodePatch encodes a feature as the body of a partial update
func (f *Format) EncodePatch(feature features.Feature) (types.EntityFragment, error) {
	return f.EncodeOne(feature, ModePatch, ProjectionOptions{})
}
