package subscriptions

import (
	"encoding/json"
	"fmt"
	"time"

	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities"
	"github.com/google/uuid"
)

type Notification struct {
	Id             string         `json:"id"`
	Type           string         `json:"type"`
	SubscriptionId string         `json:"subscriptionId"`
	NotifiedAt     string         `json:"notifiedAt"`
	Data           []types.Entity `json:"data"`
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	base := struct {
		Id             string          `json:"id"`
		Type           string          `json:"type"`
		SubscriptionId string          `json:"subscriptionId"`
		NotifiedAt     string          `json:"notifiedAt"`
		Data           json.RawMessage `json:"data"`
	}{}

	err := json.Unmarshal(data, &base)
	if err != nil {
		return err
	}

	n.Id = base.Id
	n.Type = base.Type
	n.SubscriptionId = base.SubscriptionId
	n.NotifiedAt = base.NotifiedAt
	n.Data, err = entities.NewFromSlice(base.Data)

	return err
}

func NewNotification(subscriptionID string, e ...types.Entity) *Notification {
	n := &Notification{
		Id:             fmt.Sprintf("urn:ngsi-ld:Notification:%s", uuid.New().String()),
		Type:           "Notification",
		SubscriptionId: subscriptionID,
		NotifiedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Data:           e,
	}

	return n
}

// ProxyEnvelope is the message pushed by the notification proxy. It carries a
// serialised notification body as a string.
type ProxyEnvelope struct {
	Payload string `json:"payload"`
}

// NewProxyEnvelope wraps a notification the way the proxy does
func NewProxyEnvelope(n *Notification) ([]byte, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}

	return json.Marshal(&ProxyEnvelope{Payload: string(body)})
}

// EntityIDsFromEnvelope parses both layers of a pushed message and returns
// the ids of the changed entities in message order. Only the ids are used.
func EntityIDsFromEnvelope(data []byte) ([]string, error) {
	envelope := struct {
		Payload *string `json:"payload"`
	}{}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, ngsierrors.NewNotificationParseError(fmt.Sprintf("message is not json: %s", err.Error()))
	}

	if envelope.Payload == nil {
		return nil, ngsierrors.NewNotificationParseError("message has no payload")
	}

	payload := struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}{}

	if err := json.Unmarshal([]byte(*envelope.Payload), &payload); err != nil {
		return nil, ngsierrors.NewNotificationParseError(fmt.Sprintf("payload is not a notification: %s", err.Error()))
	}

	ids := make([]string, 0, len(payload.Data))
	for _, d := range payload.Data {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}

	return ids, nil
}
