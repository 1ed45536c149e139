package ngsild

import (
	"encoding/json"

	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
)

// EntitiesPage is one page of a paginated entity listing
type EntitiesPage struct {
	Entities   []types.Entity
	TotalCount int64
}

func NewEntitiesPage(entities []types.Entity) *EntitiesPage {
	return &EntitiesPage{
		Entities:   entities,
		TotalCount: -1,
	}
}

type ListTypesResult struct {
	Types []string
}

type UpdateEntityAttributesResult struct {
	Updated    []string `json:"updated"`
	NotUpdated []struct {
		AttributeName string `json:"attributeName"`
		Reason        string `json:"reason"`
	} `json:"notUpdated"`
}

func (uear *UpdateEntityAttributesResult) Bytes() []byte {
	b, _ := json.Marshal(uear)
	return b
}

func (uear *UpdateEntityAttributesResult) IsMultiStatus() bool {
	return len(uear.NotUpdated) > 0
}

func NewUpdateEntityAttributesResult(body []byte) (*UpdateEntityAttributesResult, error) {
	uear := &UpdateEntityAttributesResult{}
	if len(body) > 0 {
		err := json.Unmarshal(body, uear)
		if err != nil {
			return nil, err
		}
	}
	return uear, nil
}
