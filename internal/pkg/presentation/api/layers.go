package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/session"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/presentation/api/auth"
	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type layerDTO struct {
	Name       string `json:"name"`
	EntityType string `json:"entityType"`
	State      string `json:"state"`
	Visible    bool   `json:"visible"`
	Live       bool   `json:"live"`
	Features   int    `json:"features"`
}

func toLayerDTO(l *session.Layer) layerDTO {
	return layerDTO{
		Name:       l.Name,
		EntityType: l.EntityType,
		State:      l.Source.State().String(),
		Visible:    l.Visible(),
		Live:       l.Live(),
		Features:   l.Source.Len(),
	}
}

func NewListTypesHandler(app LayerManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "list-types")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		types, err := app.EntityTypes(ctx)
		if err != nil {
			logging.GetFromContext(ctx).Error("failed to list entity types", "err", err.Error())
			ReportBadGateway(w, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, "application/json", types)
	}
}

func NewListLayersHandler(app LayerManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		layers := app.Layers()

		result := make([]layerDTO, 0, len(layers))
		for _, l := range layers {
			result = append(result, toLayerDTO(l))
		}

		writeJSON(w, http.StatusOK, "application/json", result)
	}
}

func NewRetrieveLayerHandler(app LayerManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "layer")

		layer, ok := app.Layer(name)
		if !ok {
			ReportNotFound(w, fmt.Sprintf("no layer named %s", name))
			return
		}

		writeJSON(w, http.StatusOK, "application/json", toLayerDTO(layer))
	}
}

func NewAddLayerHandler(app LayerManager, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "add-layer")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		lc := session.LayerConfig{}
		err = json.NewDecoder(r.Body).Decode(&lc)
		if err != nil {
			ReportBadRequest(w, fmt.Sprintf("unable to decode request payload: %s", err.Error()))
			return
		}

		span.SetAttributes(attribute.String("entity_type", lc.EntityType))

		err = authenticator.CheckAccess(ctx, r, session.LayerName(lc.EntityType))
		if err != nil {
			ReportForbidden(w, err.Error())
			return
		}

		layer, err := app.AddLayer(ctx, lc)
		if err != nil {
			switch {
			case errors.Is(err, ngsierrors.ErrAlreadyExists):
				ReportAlreadyExists(w, err.Error())
			case errors.Is(err, ngsierrors.ErrBadRequest):
				ReportBadRequest(w, err.Error())
			default:
				ReportBadGateway(w, err.Error())
			}
			return
		}

		w.Header().Add("Location", "/api/v1/layers/"+layer.Name)
		writeJSON(w, http.StatusCreated, "application/json", toLayerDTO(layer))
	}
}

func NewUpdateLayerHandler(app LayerManager, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "layer")
		ctx := r.Context()

		if err := authenticator.CheckAccess(ctx, r, name); err != nil {
			ReportForbidden(w, err.Error())
			return
		}

		body := struct {
			Visible *bool `json:"visible"`
		}{}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Visible == nil {
			ReportBadRequest(w, "request body must set visible")
			return
		}

		if err := app.SetVisible(name, *body.Visible); err != nil {
			ReportNotFound(w, err.Error())
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func NewRemoveLayerHandler(app LayerManager, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		name := chi.URLParam(r, "layer")

		ctx, span := tracer.Start(r.Context(), "remove-layer", trace.WithAttributes(attribute.String("layer", name)))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = authenticator.CheckAccess(ctx, r, name)
		if err != nil {
			ReportForbidden(w, err.Error())
			return
		}

		err = app.RemoveLayer(name)
		if err != nil {
			ReportNotFound(w, err.Error())
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
