package decorators

import (
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/geojson"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/properties"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/relationships"
	"github.com/paulmach/orb"
)

func RefDevice(device string) entities.EntityDecoratorFunc {
	return entities.R("refDevice", relationships.NewSingleObjectRelationship(device))
}

func Location(latitude, longitude float64) entities.EntityDecoratorFunc {
	location := geojson.CreateGeoJSONPropertyFromWGS84(longitude, latitude)
	return entities.G("location", location)
}

// Geometry stores a WGS84 geometry as a GeoProperty under the given name
func Geometry(name string, g orb.Geometry) entities.EntityDecoratorFunc {
	gp, err := geojson.NewGeoJSONProperty(g)
	if err != nil {
		return func(*entities.EntityImpl) {}
	}
	return entities.G(name, gp)
}

func DateTime(name string, value string) entities.EntityDecoratorFunc {
	return entities.P(name, properties.NewDateTimeProperty(value))
}

func Number(name string, value float64, decorators ...properties.PropertyDecoratorFunc) entities.EntityDecoratorFunc {
	return entities.P(name, properties.NewNumberProperty(value, decorators...))
}

func Text(name string, value string) entities.EntityDecoratorFunc {
	return entities.P(name, properties.NewTextProperty(value))
}

func Name(value string) entities.EntityDecoratorFunc {
	return Text("name", value)
}

func DateObserved(timestamp string) entities.EntityDecoratorFunc {
	return DateTime("dateObserved", timestamp)
}

func Status(value string) entities.EntityDecoratorFunc {
	return Text("status", value)
}
