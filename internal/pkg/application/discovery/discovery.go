package discovery

import (
	"context"
	"strings"

	"github.com/diwise/ngsi-feature-sync/pkg/datamodels/diwise"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/client"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// DiscoverEventSources returns the event source url of every notification
// proxy configuration, keyed by the last segment of the configuration id.
// Configurations are always read through the NGSI-LD api of the broker.
func DiscoverEventSources(ctx context.Context, lister client.EntityLister) (map[string]string, error) {
	log := logging.GetFromContext(ctx)

	configs, err := client.FetchAll(ctx, client.AsLinkedData(lister), diwise.NgsiProxyConfigTypeName)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]string, len(configs))

	for _, cfg := range configs {
		eventSourceURL, ok := eventSourceOf(cfg)
		if !ok {
			log.Warn("proxy configuration without event source", "id", cfg.ID())
			continue
		}

		sources[keyOf(cfg.ID())] = eventSourceURL
	}

	return sources, nil
}

func eventSourceOf(e types.Entity) (string, bool) {
	attr, ok := e.Attribute(diwise.EventSourceURLAttribute)
	if !ok {
		return "", false
	}

	p, ok := attr.(types.Property)
	if !ok {
		return "", false
	}

	u, ok := p.Value().(string)
	return u, ok && u != ""
}

func keyOf(id string) string {
	return id[strings.LastIndex(id, ":")+1:]
}
