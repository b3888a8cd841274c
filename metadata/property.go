package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PropertyCategory the category of a property value
type PropertyCategory string

// Property value categories
const (
	CategoryPrimitive PropertyCategory = "primitive"
	CategoryEnum      PropertyCategory = "enum"
	CategoryArray     PropertyCategory = "array"
	CategoryMap       PropertyCategory = "map"
	CategoryStruct    PropertyCategory = "struct"
)

// PropertyVisitor handles each category of property value.
//
// Adding a category means adding a method here, so every visitor must handle it.
type PropertyVisitor interface {
	VisitPrimitive(value PrimitiveValue) error
	VisitEnum(value EnumValue) error
	VisitArray(value ArrayValue) error
	VisitMap(value MapValue) error
	VisitStruct(value StructValue) error
}

// PropertyValue the value of one instance property.
//
// The set of implementations is closed: PrimitiveValue, EnumValue, ArrayValue,
// MapValue, and StructValue.
type PropertyValue interface {
	// Category the category of the value
	Category() PropertyCategory
	// Accept dispatch to the visitor method matching the category
	Accept(visitor PropertyVisitor) error
	isPropertyValue()
}

// PrimitiveValue a scalar value. Value holds a JSON compatible scalar.
type PrimitiveValue struct {
	// TypeName primitive type name, i.e. "string", "int", "boolean"
	TypeName string      `json:"type_name"`
	Value    interface{} `json:"value"`
}

// EnumValue one symbol of an enumeration
type EnumValue struct {
	Symbol  string `json:"symbol"`
	Ordinal int    `json:"ordinal"`
}

// ArrayValue an ordered list of values
type ArrayValue struct {
	Elements []PropertyValue `json:"elements"`
}

// MapValue values keyed by name
type MapValue struct {
	Entries map[string]PropertyValue `json:"entries"`
}

// StructValue a named group of fields
type StructValue struct {
	TypeName string                   `json:"type_name"`
	Fields   map[string]PropertyValue `json:"fields"`
}

func (PrimitiveValue) Category() PropertyCategory { return CategoryPrimitive }
func (EnumValue) Category() PropertyCategory      { return CategoryEnum }
func (ArrayValue) Category() PropertyCategory     { return CategoryArray }
func (MapValue) Category() PropertyCategory       { return CategoryMap }
func (StructValue) Category() PropertyCategory    { return CategoryStruct }

func (v PrimitiveValue) Accept(visitor PropertyVisitor) error { return visitor.VisitPrimitive(v) }
func (v EnumValue) Accept(visitor PropertyVisitor) error      { return visitor.VisitEnum(v) }
func (v ArrayValue) Accept(visitor PropertyVisitor) error     { return visitor.VisitArray(v) }
func (v MapValue) Accept(visitor PropertyVisitor) error       { return visitor.VisitMap(v) }
func (v StructValue) Accept(visitor PropertyVisitor) error    { return visitor.VisitStruct(v) }

func (PrimitiveValue) isPropertyValue() {}
func (EnumValue) isPropertyValue()      {}
func (ArrayValue) isPropertyValue()     {}
func (MapValue) isPropertyValue()       {}
func (StructValue) isPropertyValue()    {}

// ===============================================================================
// JSON codec
//
// Every value is encoded as {"category": <category>, "value": <body>}.

type taggedProperty struct {
	Category PropertyCategory `json:"category"`
	Value    json.RawMessage  `json:"value"`
}

func marshalTagged(category PropertyCategory, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedProperty{Category: category, Value: raw})
}

// Alias types drop the MarshalJSON methods to avoid recursion
type primitiveBody PrimitiveValue
type enumBody EnumValue
type arrayBody ArrayValue
type mapBody MapValue
type structBody StructValue

// MarshalJSON encode with the category tag
func (v PrimitiveValue) MarshalJSON() ([]byte, error) {
	return marshalTagged(CategoryPrimitive, primitiveBody(v))
}

// MarshalJSON encode with the category tag
func (v EnumValue) MarshalJSON() ([]byte, error) {
	return marshalTagged(CategoryEnum, enumBody(v))
}

// MarshalJSON encode with the category tag
func (v ArrayValue) MarshalJSON() ([]byte, error) {
	return marshalTagged(CategoryArray, arrayBody(v))
}

// MarshalJSON encode with the category tag
func (v MapValue) MarshalJSON() ([]byte, error) {
	return marshalTagged(CategoryMap, mapBody(v))
}

// MarshalJSON encode with the category tag
func (v StructValue) MarshalJSON() ([]byte, error) {
	return marshalTagged(CategoryStruct, structBody(v))
}

// propertyDecoders decode the body of each category. Filled in init as the
// nested categories decode through DecodePropertyValue.
var propertyDecoders map[PropertyCategory]func(body json.RawMessage) (PropertyValue, error)

func init() {
	propertyDecoders = map[PropertyCategory]func(body json.RawMessage) (PropertyValue, error){
		CategoryPrimitive: func(body json.RawMessage) (PropertyValue, error) {
			var v primitiveBody
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return PrimitiveValue(v), nil
		},
		CategoryEnum: func(body json.RawMessage) (PropertyValue, error) {
			var v enumBody
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return EnumValue(v), nil
		},
		CategoryArray: func(body json.RawMessage) (PropertyValue, error) {
			var v struct {
				Elements []json.RawMessage `json:"elements"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			result := ArrayValue{Elements: make([]PropertyValue, 0, len(v.Elements))}
			for idx, raw := range v.Elements {
				element, err := DecodePropertyValue(raw)
				if err != nil {
					return nil, fmt.Errorf("array element %d: %w", idx, err)
				}
				result.Elements = append(result.Elements, element)
			}
			return result, nil
		},
		CategoryMap: func(body json.RawMessage) (PropertyValue, error) {
			var v struct {
				Entries map[string]json.RawMessage `json:"entries"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			entries, err := DecodeProperties(v.Entries)
			if err != nil {
				return nil, err
			}
			return MapValue{Entries: entries}, nil
		},
		CategoryStruct: func(body json.RawMessage) (PropertyValue, error) {
			var v struct {
				TypeName string                     `json:"type_name"`
				Fields   map[string]json.RawMessage `json:"fields"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			fields, err := DecodeProperties(v.Fields)
			if err != nil {
				return nil, err
			}
			return StructValue{TypeName: v.TypeName, Fields: fields}, nil
		},
	}
}

// DecodePropertyValue decode one category tagged property value
func DecodePropertyValue(data []byte) (PropertyValue, error) {
	var tagged taggedProperty
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, err
	}
	decoder, ok := propertyDecoders[tagged.Category]
	if !ok {
		return nil, fmt.Errorf("unknown property category '%s'", tagged.Category)
	}
	return decoder(tagged.Value)
}

// DecodeProperties decode a set of named property values
func DecodeProperties(raw map[string]json.RawMessage) (map[string]PropertyValue, error) {
	if raw == nil {
		return nil, nil
	}
	result := make(map[string]PropertyValue, len(raw))
	for name, body := range raw {
		value, err := DecodePropertyValue(body)
		if err != nil {
			return nil, fmt.Errorf("property '%s': %w", name, err)
		}
		result[name] = value
	}
	return result, nil
}

// ===============================================================================
// Rendering

// textRenderer renders a property value as a flat string
type textRenderer struct {
	builder strings.Builder
}

func (r *textRenderer) VisitPrimitive(value PrimitiveValue) error {
	fmt.Fprintf(&r.builder, "%v", value.Value)
	return nil
}

func (r *textRenderer) VisitEnum(value EnumValue) error {
	r.builder.WriteString(value.Symbol)
	return nil
}

func (r *textRenderer) VisitArray(value ArrayValue) error {
	r.builder.WriteString("[")
	for idx, element := range value.Elements {
		if idx > 0 {
			r.builder.WriteString(",")
		}
		if err := element.Accept(r); err != nil {
			return err
		}
	}
	r.builder.WriteString("]")
	return nil
}

func (r *textRenderer) renderEntries(entries map[string]PropertyValue) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	r.builder.WriteString("{")
	for idx, name := range names {
		if idx > 0 {
			r.builder.WriteString(",")
		}
		r.builder.WriteString(name)
		r.builder.WriteString(":")
		if err := entries[name].Accept(r); err != nil {
			return err
		}
	}
	r.builder.WriteString("}")
	return nil
}

func (r *textRenderer) VisitMap(value MapValue) error {
	return r.renderEntries(value.Entries)
}

func (r *textRenderer) VisitStruct(value StructValue) error {
	r.builder.WriteString(value.TypeName)
	return r.renderEntries(value.Fields)
}

// RenderText render a property value as a flat string. Map entries and struct
// fields are ordered by name.
func RenderText(value PropertyValue) string {
	if value == nil {
		return ""
	}
	renderer := &textRenderer{}
	_ = value.Accept(renderer)
	return renderer.builder.String()
}
