package api

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/features"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/presentation/api/auth"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const GeoJSONContentType string = "application/geo+json"

func toGeoJSON(f features.Feature) *geojson.Feature {
	gf := geojson.NewFeature(f.Geometry)
	gf.ID = f.ID
	gf.Properties = geojson.Properties(maps.Clone(f.Properties))
	if gf.Properties == nil {
		gf.Properties = geojson.Properties{}
	}
	return gf
}

// parseBBox reads a minx,miny,maxx,maxy extent in the working projection
func parseBBox(value string) (orb.Bound, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must have four comma separated values")
	}

	v := [4]float64{}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox value %q is not a number", p)
		}
		v[i] = f
	}

	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox minimum must not exceed its maximum")
	}

	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func NewQueryFeaturesHandler(app LayerManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		name := chi.URLParam(r, "layer")

		_, span := tracer.Start(r.Context(), "query-features", trace.WithAttributes(attribute.String("layer", name)))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		layer, ok := app.Layer(name)
		if !ok {
			ReportNotFound(w, fmt.Sprintf("no layer named %s", name))
			return
		}

		var found []features.Feature

		if bbox := r.URL.Query().Get("bbox"); bbox != "" {
			var extent orb.Bound
			extent, err = parseBBox(bbox)
			if err != nil {
				ReportBadRequest(w, err.Error())
				return
			}
			found = layer.Source.FeaturesInExtent(extent)
		} else {
			found = layer.Source.Features()
		}

		fc := geojson.NewFeatureCollection()
		for _, f := range found {
			fc.Append(toGeoJSON(f))
		}

		writeJSON(w, http.StatusOK, GeoJSONContentType, fc)
	}
}

func NewRetrieveFeatureHandler(app LayerManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "layer")
		id := chi.URLParam(r, "id")

		layer, ok := app.Layer(name)
		if !ok {
			ReportNotFound(w, fmt.Sprintf("no layer named %s", name))
			return
		}

		f, ok := layer.Source.Feature(id)
		if !ok {
			ReportNotFound(w, fmt.Sprintf("no feature with id %s in layer %s", id, name))
			return
		}

		writeJSON(w, http.StatusOK, GeoJSONContentType, toGeoJSON(f))
	}
}

// NewUpdateFeatureHandler applies a property map to a feature and sends the
// resulting partial update to the broker
func NewUpdateFeatureHandler(app LayerManager, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		name := chi.URLParam(r, "layer")
		id := chi.URLParam(r, "id")

		ctx, span := tracer.Start(r.Context(), "update-feature",
			trace.WithAttributes(attribute.String("layer", name), attribute.String("entity_id", id)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = authenticator.CheckAccess(ctx, r, name)
		if err != nil {
			ReportForbidden(w, err.Error())
			return
		}

		layer, ok := app.Layer(name)
		if !ok {
			ReportNotFound(w, fmt.Sprintf("no layer named %s", name))
			return
		}

		existing, ok := layer.Source.Feature(id)
		if !ok {
			ReportNotFound(w, fmt.Sprintf("no feature with id %s in layer %s", id, name))
			return
		}

		changes := map[string]any{}
		err = json.NewDecoder(r.Body).Decode(&changes)
		if err != nil {
			ReportBadRequest(w, fmt.Sprintf("unable to decode request payload: %s", err.Error()))
			return
		}

		if g, ok := changes[existing.GeometryKey()]; ok {
			geometry, decodeErr := decodeGeometry(g)
			if decodeErr != nil {
				err = decodeErr
				ReportBadRequest(w, err.Error())
				return
			}
			changes[existing.GeometryKey()] = geometry
		}

		if !layer.Source.Save(ctx, id, changes) {
			err = fmt.Errorf("broker did not accept the update of %s", id)
			logging.GetFromContext(ctx).Warn("feature update rejected", "layer", name, "entity_id", id)
			ReportBadGateway(w, err.Error())
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeGeometry turns a GeoJSON geometry object from a request body into an
// orb geometry
func decodeGeometry(value any) (orb.Geometry, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	g, err := geojson.UnmarshalGeometry(b)
	if err != nil {
		return nil, fmt.Errorf("invalid geometry: %s", err.Error())
	}

	return g.Geometry(), nil
}
