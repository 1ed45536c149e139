package properties

import (
	"fmt"
	"strconv"

	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/relationships"
)

const (
	DateCreated  string = "dateCreated"
	DateModified string = "dateModified"
	DateObserved string = "dateObserved"

	Description string = "description"
	Location    string = "location"
	Name        string = "name"
)

// PropertyTag is the attribute type of plain (non geo) properties
const PropertyTag string = "Property"

// PropertyImpl contains the mandatory Type property
type PropertyImpl struct {
	Type string `json:"type"`
}

// ValueProperty holds any scalar or structured JSON value
type ValueProperty struct {
	PropertyImpl
	Val         any                `json:"value"`
	ObservedAt_ *string            `json:"observedAt,omitempty"`
	ObservedBy  types.Relationship `json:"observedBy,omitempty"`
	UnitCode    *string            `json:"unitCode,omitempty"`
}

func (vp *ValueProperty) Type() string {
	return vp.PropertyImpl.Type
}

func (vp *ValueProperty) Value() any {
	return vp.Val
}

func (vp *ValueProperty) ObservedAt() string {
	if vp.ObservedAt_ != nil {
		return *vp.ObservedAt_
	}
	return ""
}

type PropertyDecoratorFunc func(vp *ValueProperty)

func ObservedAt(timestamp string) PropertyDecoratorFunc {
	return func(vp *ValueProperty) {
		vp.ObservedAt_ = &timestamp
	}
}

func ObservedBy(object string) PropertyDecoratorFunc {
	return func(vp *ValueProperty) {
		vp.ObservedBy = relationships.NewSingleObjectRelationship(object)
	}
}

func UnitCode(code string) PropertyDecoratorFunc {
	return func(vp *ValueProperty) {
		vp.UnitCode = &code
	}
}

// Tag overrides the attribute type of the property
func Tag(attrType string) PropertyDecoratorFunc {
	return func(vp *ValueProperty) {
		vp.PropertyImpl.Type = attrType
	}
}

// New wraps any value in a Property record
func New(value any, decorators ...PropertyDecoratorFunc) *ValueProperty {
	vp := &ValueProperty{
		PropertyImpl: PropertyImpl{Type: PropertyTag},
		Val:          value,
	}

	for _, decorate := range decorators {
		decorate(vp)
	}

	return vp
}

func NewNumberProperty(value float64, decorators ...PropertyDecoratorFunc) *ValueProperty {
	return New(value, decorators...)
}

// NewNumberPropertyFromString accepts a value as a string and returns a new number property
func NewNumberPropertyFromString(value string) *ValueProperty {
	number, _ := strconv.ParseFloat(value, 64)
	return NewNumberProperty(number)
}

func NewTextProperty(value string) *ValueProperty {
	return New(value)
}

func NewTextListProperty(value []string) *ValueProperty {
	values := make([]any, 0, len(value))
	for _, v := range value {
		values = append(values, v)
	}
	return New(values)
}

// NewDateTimeProperty creates a property from a UTC time stamp
func NewDateTimeProperty(value string) *ValueProperty {
	return New(map[string]any{
		"@type":  "DateTime",
		"@value": value,
	})
}

// UnmarshalP decodes an attribute record into a property, keeping the value
// exactly as it was decoded from JSON
func UnmarshalP(body map[string]any) (types.Property, error) {
	value, ok := body["value"]
	if !ok {
		return nil, fmt.Errorf("properties without a value attribute are not supported")
	}

	attrType, _ := body["type"].(string)
	if attrType == "" {
		attrType = PropertyTag
	}

	vp := &ValueProperty{
		PropertyImpl: PropertyImpl{Type: attrType},
		Val:          sanitize(value),
	}

	if observedAt, ok := body["observedAt"].(string); ok {
		vp.ObservedAt_ = &observedAt
	}

	if unitCode, ok := body["unitCode"].(string); ok {
		vp.UnitCode = &unitCode
	}

	if observedBy, ok := body["observedBy"].(map[string]any); ok {
		r, err := relationships.UnmarshalR(observedBy)
		if err != nil {
			return nil, fmt.Errorf("observedBy is not a valid relationship: %w", err)
		}
		vp.ObservedBy = r
	}

	return vp, nil
}

func sanitize(value any) any {
	switch typedValue := value.(type) {
	case string:
		return sanitizeString(typedValue)
	case []any:
		for idx := range typedValue {
			typedValue[idx] = sanitize(typedValue[idx])
		}
		return typedValue
	default:
		return value
	}
}

func sanitizeString(input string) string {
	if len(input) >= 6 {
		for runeIdx, stopIdx := 0, len(input)-6; runeIdx <= stopIdx; runeIdx++ {
			if input[runeIdx] == '\\' {
				if input[runeIdx+1] == 'u' {
					r, err := strconv.ParseInt(input[runeIdx+2:runeIdx+6], 16, 32)
					if err != nil {
						continue
					}

					return input[:runeIdx] + string(rune(r)) + sanitizeString(input[runeIdx+6:])
				}
			}
		}
	}

	return input
}
