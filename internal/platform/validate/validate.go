// Package validate checks request bodies against JSON Schema documents
// before they are decoded into Go structs.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var ErrInvalidJSON = errors.New("invalid JSON")

// ValidationError reports the first schema violation of an instance.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

func Compile(name, definition string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definition))
	if err != nil {
		return nil, fmt.Errorf("parse schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("schema://%s.json", name)
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add resource %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompile is Compile for package-level schema literals.
func MustCompile(name, definition string) *Schema {
	s, err := Compile(name, definition)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string { return s.name }

// Decode validates raw against the schema and, when it conforms, unmarshals
// the validated instance into dst. Integral numbers such as 100.0 or 1e2,
// which JSON Schema counts as integers, are written in integer form first so
// they decode into Go integer fields. Errors are ErrInvalidJSON (wrapped) or
// *ValidationError.
func (s *Schema) Decode(raw []byte, dst any) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := s.compiled.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return firstViolation(ve)
		}
		return &ValidationError{Message: err.Error()}
	}
	normalized, err := json.Marshal(integralNumbers(inst))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := json.Unmarshal(normalized, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// integralNumbers rewrites every json.Number with an integral value in
// integer form.
func integralNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return v
		}
		r, ok := new(big.Rat).SetString(v.String())
		if ok && r.IsInt() {
			return json.Number(r.Num().String())
		}
		return v
	case map[string]any:
		for k, e := range v {
			v[k] = integralNumbers(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = integralNumbers(e)
		}
		return v
	default:
		return v
	}
}

// DecodeReader reads at most limit bytes from r and calls Decode.
func (s *Schema) DecodeReader(r io.Reader, limit int64, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if int64(len(raw)) > limit {
		return &ValidationError{Message: fmt.Sprintf("body exceeds %d bytes", limit)}
	}
	return s.Decode(raw, dst)
}

var printer = message.NewPrinter(language.English)

func firstViolation(ve *jsonschema.ValidationError) *ValidationError {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return &ValidationError{
		Field:   "/" + strings.Join(leaf.InstanceLocation, "/"),
		Message: leaf.ErrorKind.LocalizedString(printer),
	}
}
