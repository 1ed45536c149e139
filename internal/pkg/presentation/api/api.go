package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/session"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/presentation/api/auth"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ngsi-feature-sync/api")

// LayerManager is the part of a session that the api exposes
type LayerManager interface {
	AddLayer(ctx context.Context, lc session.LayerConfig) (*session.Layer, error)
	RemoveLayer(name string) error
	Layer(name string) (*session.Layer, bool)
	Layers() []*session.Layer
	SetVisible(name string, visible bool) error
	EntityTypes(ctx context.Context) ([]string, error)
}

// RegisterHandlers mounts the api below /api/v1. Mutating requests are
// checked against the supplied policies, or let through if policies is nil.
func RegisterHandlers(ctx context.Context, r chi.Router, policies io.Reader, app LayerManager) error {
	authenticator := auth.AllowAll()

	if policies != nil {
		var err error
		authenticator, err = auth.NewAuthenticator(ctx, policies)
		if err != nil {
			return fmt.Errorf("failed to create api authenticator: %w", err)
		}
	} else {
		logging.GetFromContext(ctx).Warn("no authz policies configured, all requests will be allowed")
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/types", NewListTypesHandler(app))

		r.Route("/layers", func(r chi.Router) {
			r.Get("/", NewListLayersHandler(app))
			r.Post("/", NewAddLayerHandler(app, authenticator))

			r.Route("/{layer}", func(r chi.Router) {
				r.Get("/", NewRetrieveLayerHandler(app))
				r.Patch("/", NewUpdateLayerHandler(app, authenticator))
				r.Delete("/", NewRemoveLayerHandler(app, authenticator))

				r.Get("/events", NewFeatureEventsHandler(app))
				r.Get("/features", NewQueryFeaturesHandler(app))
				r.Get("/features/{id}", NewRetrieveFeatureHandler(app))
				r.Patch("/features/{id}", NewUpdateFeatureHandler(app, authenticator))
			})
		})
	})

	return nil
}

func writeJSON(w http.ResponseWriter, code int, contentType string, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		ReportInternalError(w, err.Error())
		return
	}

	w.Header().Add("Content-Type", contentType)
	w.WriteHeader(code)
	w.Write(b)
}
