package diwise

import (
	"fmt"
	"strings"

	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities"
	ed "github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities/decorators"
)

// NewNgsiProxyConfig creates the configuration entity that announces the
// event source of a notification proxy. The key is the last segment of the id
// and should match the name of the layer it serves.
func NewNgsiProxyConfig(key, eventSourceURL string, decorators ...entities.EntityDecoratorFunc) (types.Entity, error) {
	if eventSourceURL == "" {
		return nil, fmt.Errorf("a proxy configuration must have an event source url")
	}

	id := key
	if !strings.HasPrefix(id, NgsiProxyConfigIDPrefix) {
		id = NgsiProxyConfigIDPrefix + id
	}

	decorators = append(decorators, ed.Text(EventSourceURLAttribute, eventSourceURL))

	return entities.New(id, NgsiProxyConfigTypeName, decorators...)
}
