package relationships

import (
	"fmt"

	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
)

const RelationshipTag string = "Relationship"

// RelationshipImpl is a base type for all types of relationships
type RelationshipImpl struct {
	Type string `json:"type"`
}

// ObjectRelationship links an entity to one (string) or many ([]string) objects
type ObjectRelationship struct {
	RelationshipImpl
	Obj any `json:"object"`
}

func (or *ObjectRelationship) Type() string {
	return or.RelationshipImpl.Type
}

func (or *ObjectRelationship) Object() any {
	return or.Obj
}

func NewSingleObjectRelationship(object string) *ObjectRelationship {
	return &ObjectRelationship{
		RelationshipImpl: RelationshipImpl{Type: RelationshipTag},
		Obj:              object,
	}
}

func NewMultiObjectRelationship(objects []string) *ObjectRelationship {
	return &ObjectRelationship{
		RelationshipImpl: RelationshipImpl{Type: RelationshipTag},
		Obj:              objects,
	}
}

func UnmarshalR(body map[string]any) (types.Relationship, error) {
	object, ok := body["object"]
	if !ok {
		return nil, fmt.Errorf("relationships without an object attribute are not supported")
	}

	switch typedObject := object.(type) {
	case string:
		return NewSingleObjectRelationship(typedObject), nil
	case []any:
		objects := make([]string, 0, len(typedObject))
		for _, o := range typedObject {
			if str, ok := o.(string); ok {
				objects = append(objects, str)
			}
		}
		return NewMultiObjectRelationship(objects), nil
	default:
		return nil, fmt.Errorf("relationship object of type %T is not supported", typedObject)
	}
}
