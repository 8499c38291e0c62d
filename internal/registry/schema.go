package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/getkin/kin-openapi/openapi3"
)

// Schema converts between a run's persisted JSON state and the typed value
// its transition function works with.
type Schema interface {
	// Initial builds the starting state of a run from classification data.
	Initial(data map[string]any) (json.RawMessage, error)
	// Decode parses persisted state into the registered type.
	Decode(raw json.RawMessage) (any, error)
	// Encode serializes a transition's next state. Values of any other
	// type are rejected.
	Encode(state any) (json.RawMessage, error)
}

// TypedSchema is the Schema for state of Go type T. Decoding rejects unknown
// fields. When a validator is attached every decoded and encoded document
// must also satisfy it.
type TypedSchema[T any] struct {
	validator *openapi3.Schema
}

// NewTypedSchema creates a schema for T.
func NewTypedSchema[T any]() *TypedSchema[T] {
	return &TypedSchema[T]{}
}

// WithValidator attaches an OpenAPI 3 schema object used to validate state
// documents.
func (s *TypedSchema[T]) WithValidator(schema *openapi3.Schema) *TypedSchema[T] {
	s.validator = schema
	return s
}

// ParseOpenAPISchema parses a JSON OpenAPI 3 schema object.
func ParseOpenAPISchema(raw []byte) (*openapi3.Schema, error) {
	var schema openapi3.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parsing state schema: %w", err)
	}
	return &schema, nil
}

// Initial implements Schema.
func (s *TypedSchema[T]) Initial(data map[string]any) (json.RawMessage, error) {
	var seed []byte
	if len(data) == 0 {
		var zero T
		raw, err := json.Marshal(zero)
		if err != nil {
			return nil, fmt.Errorf("encoding initial state: %w", err)
		}
		seed = raw
	} else {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding classification data: %w", err)
		}
		seed = raw
	}

	v, err := s.decode(seed)
	if err != nil {
		return nil, err
	}
	return s.Encode(v)
}

// Decode implements Schema. The returned value is a T.
func (s *TypedSchema[T]) Decode(raw json.RawMessage) (any, error) {
	return s.decode(raw)
}

// DecodeTyped is Decode without the interface conversion.
func (s *TypedSchema[T]) DecodeTyped(raw json.RawMessage) (T, error) {
	return s.decode(raw)
}

func (s *TypedSchema[T]) decode(raw []byte) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 {
		return v, errors.New("state is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decoding state as %T: %w", v, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return v, fmt.Errorf("decoding state as %T: trailing data", v)
	}
	if err := s.validate(raw); err != nil {
		return v, err
	}
	return v, nil
}

// Encode implements Schema. It accepts T or a non-nil *T.
func (s *TypedSchema[T]) Encode(state any) (json.RawMessage, error) {
	var v T
	switch x := state.(type) {
	case T:
		v = x
	case *T:
		if x == nil {
			return nil, fmt.Errorf("next state is a nil %T", x)
		}
		v = *x
	default:
		return nil, fmt.Errorf("next state has type %T, want %T", state, v)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	if err := s.validate(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *TypedSchema[T]) validate(raw []byte) error {
	if s.validator == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("validating state: %w", err)
	}
	if err := s.validator.VisitJSON(doc); err != nil {
		return fmt.Errorf("state fails schema validation: %w", err)
	}
	return nil
}
