package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/geojson"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/properties"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/relationships"
)

const DefaultNGSITenant string = "default"

const DefaultContextURL string = "https://uri.etsi.org/ngsi-ld/v1/ngsi-ld-core-context.jsonld"

const LinkHeader string = `<` + DefaultContextURL + `>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`

type EntityDecoratorFunc func(e *EntityImpl)

func New(entityID, entityType string, decorators ...EntityDecoratorFunc) (types.Entity, error) {
	if entityID == "" || entityType == "" {
		return nil, fmt.Errorf("entities must have both an id and a type")
	}

	e := &EntityImpl{
		entityID:   entityID,
		entityType: entityType,
		attributes: map[string]types.Attribute{},
	}

	for _, decorator := range decorators {
		decorator(e)
	}

	return e, nil
}

// NewFragment creates an attribute-only entity body, as used by partial updates
func NewFragment(decorators ...EntityDecoratorFunc) (types.EntityFragment, error) {
	e := &EntityImpl{
		attributes: map[string]types.Attribute{},
	}

	for _, decorator := range decorators {
		decorator(e)
	}

	return e, nil
}

func NewFragmentFromJSON(body []byte) (types.EntityFragment, error) {
	e := &EntityImpl{}
	err := json.Unmarshal(body, e)

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}

	return e, nil
}

func NewFromJSON(body []byte) (types.Entity, error) {
	e := &EntityImpl{}
	err := json.Unmarshal(body, e)

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}

	if e.ID() == "" || e.Type() == "" {
		return nil, fmt.Errorf("failed to parse entity: id and type are required")
	}

	return e, nil
}

func NewFromSlice(body []byte) ([]types.Entity, error) {
	impls := []*EntityImpl{}
	err := json.Unmarshal(body, &impls)
	if err != nil {
		return nil, err
	}

	arr := make([]types.Entity, 0, len(impls))

	for _, e := range impls {
		arr = append(arr, e)
	}

	return arr, nil
}

type EntityImpl struct {
	entityID   string
	entityType string

	context    []string
	attributes map[string]types.Attribute
}

func (e *EntityImpl) ID() string {
	return e.entityID
}

func (e *EntityImpl) Type() string {
	return e.entityType
}

func (e *EntityImpl) Attribute(name string) (types.Attribute, bool) {
	a, ok := e.attributes[name]
	return a, ok
}

// ForEachAttribute visits every attribute in name order
func (e *EntityImpl) ForEachAttribute(callback func(attributeType, attributeName string, contents any)) error {
	names := make([]string, 0, len(e.attributes))
	for k := range e.attributes {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		a := e.attributes[name]
		callback(a.Type(), name, a)
	}

	return nil
}

func (e *EntityImpl) MarshalJSON() ([]byte, error) {
	contents := map[string]any{}

	if e.entityID != "" {
		contents["id"] = e.entityID
	}

	if e.entityType != "" {
		contents["type"] = e.entityType
	}

	for k, a := range e.attributes {
		contents[k] = a
	}

	if len(e.context) > 0 {
		contents["@context"] = e.context
	}

	return json.Marshal(&contents)
}

func (e *EntityImpl) UnmarshalJSON(data []byte) error {
	var contents map[string]any
	err := json.Unmarshal(data, &contents)
	if err != nil {
		return fmt.Errorf("failed to unmarshal entity: %w", err)
	}

	header := struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Context json.RawMessage `json:"@context"`
	}{}

	err = json.Unmarshal(data, &header)
	if err != nil {
		return fmt.Errorf("failed to unmarshal entity: %w", err)
	}

	// Delete the properties we have already dealt with
	delete(contents, "id")
	delete(contents, "type")
	delete(contents, "@context")

	e.entityID = header.ID
	e.entityType = header.Type

	e.context, err = unmarshalContext(header.Context)
	if err != nil {
		return err
	}

	e.attributes = make(map[string]types.Attribute, len(contents))

	for k, v := range contents {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}

		objType, ok := obj["type"].(string)
		if !ok {
			continue
		}

		switch objType {
		case geojson.GeoPropertyTag:
			p, err := geojson.UnmarshalG(obj)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", k, err)
			}
			e.attributes[k] = p
		case relationships.RelationshipTag:
			r, err := relationships.UnmarshalR(obj)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", k, err)
			}
			e.attributes[k] = r
		default:
			// Property, or a typed attribute such as Number, Text or geo:json
			if _, hasValue := obj["value"]; !hasValue {
				continue
			}
			p, err := properties.UnmarshalP(obj)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", k, err)
			}
			e.attributes[k] = p
		}
	}

	return nil
}

func unmarshalContext(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)

	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var ctx string
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return nil, fmt.Errorf("invalid context: %w", err)
		}
		return []string{ctx}, nil
	case '[':
		ctx := []string{}
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return nil, fmt.Errorf("invalid context: %w", err)
		}
		return ctx, nil
	}

	return nil, fmt.Errorf("unsupported context: %s", string(raw))
}

// Identity sets the id and type of a fragment
func Identity(entityID, entityType string) EntityDecoratorFunc {
	return func(e *EntityImpl) {
		e.entityID = entityID
		e.entityType = entityType
	}
}

func Context(ctx []string) EntityDecoratorFunc {
	return func(e *EntityImpl) {
		e.context = ctx
	}
}

func DefaultContext() EntityDecoratorFunc {
	return Context([]string{DefaultContextURL})
}

// A adds any attribute record under the given name
func A(name string, value types.Attribute) EntityDecoratorFunc {
	return func(e *EntityImpl) { e.attributes[name] = value }
}

func P(name string, value types.Property) EntityDecoratorFunc {
	return A(name, value)
}

func G(name string, value types.GeoProperty) EntityDecoratorFunc {
	return A(name, value)
}

func R(name string, value types.Relationship) EntityDecoratorFunc {
	return A(name, value)
}
