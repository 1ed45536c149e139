package types

import "encoding/json"

type EntityFragment interface {
	ForEachAttribute(func(attributeType, attributeName string, contents any)) error
	MarshalJSON() ([]byte, error)
}

type Entity interface {
	EntityFragment

	ID() string
	Type() string

	Attribute(name string) (Attribute, bool)
}

// Attribute is a single attribute record of an entity, tagged by its type
type Attribute interface {
	Type() string
}

type Property interface {
	Attribute
	Value() any
}

// GeoProperty keeps its value in geometry interchange form (GeoJSON)
type GeoProperty interface {
	Attribute
	GeoJSON() json.RawMessage
}

type Relationship interface {
	Attribute
	Object() any
}
