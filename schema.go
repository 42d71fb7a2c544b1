package agentflow

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Schema types
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

// Schema describes the shape of a payload. It is a small subset of JSON
// Schema: a type, the properties of objects, the items of arrays and the
// names of required properties.
type Schema struct {
	Type        string             `json:"type,omitempty" yaml:"type,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// SchemaError reports a value that does not conform to a schema.
type SchemaError struct {
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return "schema validation failed: " + e.Message
	}
	return fmt.Sprintf("schema validation failed at %s: %s", e.Path, e.Message)
}

// Check validates the schema itself.
func (s *Schema) Check() error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case "", TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray, TypeAny:
	default:
		return fmt.Errorf("unknown schema type %q", s.Type)
	}
	for name, prop := range s.Properties {
		if err := prop.Check(); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
	}
	return s.Items.Check()
}

// Validate checks value against the schema. A nil schema accepts anything.
func (s *Schema) Validate(value any) error {
	return s.validate("", value)
}

func (s *Schema) validate(path string, value any) error {
	if s == nil {
		return nil
	}
	fail := func(format string, args ...any) error {
		return &SchemaError{Path: path, Message: fmt.Sprintf(format, args...)}
	}
	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		return fail("value %v is not one of %v", value, s.Enum)
	}

	switch s.Type {
	case "", TypeAny:
		return nil
	case TypeString:
		if _, ok := value.(string); !ok {
			return fail("expected string, got %s", typeName(value))
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fail("expected boolean, got %s", typeName(value))
		}
	case TypeNumber:
		if _, ok := toFloat(value); !ok {
			return fail("expected number, got %s", typeName(value))
		}
	case TypeInteger:
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return fail("expected integer, got %s", typeName(value))
		}
	case TypeArray:
		items, ok := value.([]any)
		if !ok {
			return fail("expected array, got %s", typeName(value))
		}
		for i, item := range items {
			if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	case TypeObject:
		obj, ok := asObject(value)
		if !ok {
			return fail("expected object, got %s", typeName(value))
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				return &SchemaError{Path: joinPath(path, name), Message: "required property is missing"}
			}
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, ok := obj[name]
			if !ok {
				continue
			}
			if err := s.Properties[name].validate(joinPath(path, name), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func asObject(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case Payload:
		return v, true
	default:
		return nil, false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

func enumContains(enum []any, value any) bool {
	for _, candidate := range enum {
		if fmt.Sprint(candidate) == fmt.Sprint(value) {
			return true
		}
	}
	return false
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case []any:
		return TypeArray
	case map[string]any, Payload:
		return TypeObject
	}
	if _, ok := toFloat(value); ok {
		return TypeNumber
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", value), "*")
}
