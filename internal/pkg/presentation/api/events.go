package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/features"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const eventBufferSize int = 64

var keepAliveInterval = 30 * time.Second

// NewFeatureEventsHandler streams the add, change and remove events of a
// layer as server sent events. Events are dropped for clients that do not
// keep up.
func NewFeatureEventsHandler(app LayerManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "layer")
		ctx := r.Context()

		layer, ok := app.Layer(name)
		if !ok {
			ReportNotFound(w, fmt.Sprintf("no layer named %s", name))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			ReportInternalError(w, "streaming is not supported")
			return
		}

		clientID := uuid.NewString()
		log := logging.GetFromContext(ctx).With("layer", name, "client_id", clientID)

		events := make(chan features.Event, eventBufferSize)
		unsubscribe := layer.Source.Subscribe(func(e features.Event) {
			select {
			case events <- e:
			default:
				log.Warn("dropping feature event for slow client", "event", string(e.Type), "entity_id", e.Feature.ID)
			}
		})
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		fmt.Fprintf(w, "retry: 5000\n\n")
		flusher.Flush()

		log.Debug("feature event client connected")

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		var eventID uint64

		for {
			select {
			case <-ctx.Done():
				log.Debug("feature event client disconnected")
				return
			case <-keepAlive.C:
				fmt.Fprintf(w, ": keep-alive\n\n")
				flusher.Flush()
			case e := <-events:
				data, err := json.Marshal(toGeoJSON(e.Feature))
				if err != nil {
					log.Error("unable to marshal feature event", "err", err.Error())
					continue
				}

				eventID++
				fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", e.Type, eventID, data)
				flusher.Flush()
			}
		}
	}
}
