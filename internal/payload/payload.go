// Package payload validates raw observation payloads against the JSON Schema
// of their declared kind.
package payload

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var printer = message.NewPrinter(language.English)

// Validator holds one compiled schema per kind.
type Validator struct {
	schemas map[models.Kind]*jsonschema.Schema
}

// NewValidator compiles the embedded schema of every known kind.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: map[models.Kind]*jsonschema.Schema{}}
	for _, kind := range models.Kinds {
		doc, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("payload: read %s schema: %w", kind, err)
		}
		sch, err := Compile(string(kind)+".json", doc)
		if err != nil {
			return nil, err
		}
		v.schemas[kind] = sch
	}
	return v, nil
}

// Compile compiles a standalone JSON Schema document. Formats such as
// date-time are asserted, not just annotated.
func Compile(name string, doc []byte) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("payload: parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("payload: add schema %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("payload: compile schema %s: %w", name, err)
	}
	return sch, nil
}

// Validate checks raw against the schema of kind. Failures are returned as an
// apperr validation error whose details name each offending field.
func (v *Validator) Validate(kind models.Kind, raw []byte) error {
	sch, ok := v.schemas[kind]
	if !ok {
		return apperr.Validation("unknown event type", apperr.FieldError{Field: "type", Message: fmt.Sprintf("unsupported type %q", kind)})
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return apperr.Validation("payload required", apperr.FieldError{Field: "payload", Message: "required"})
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return apperr.Validation("payload must be JSON", apperr.FieldError{Field: "payload", Message: err.Error()})
	}
	if err := sch.Validate(inst); err != nil {
		return apperr.Validation("payload does not match "+string(kind)+" schema", FieldErrors(err)...)
	}
	return nil
}

// FieldErrors flattens a schema validation error into one entry per failing
// leaf, sorted by field.
func FieldErrors(err error) []apperr.FieldError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []apperr.FieldError{{Field: "payload", Message: err.Error()}}
	}
	var out []apperr.FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, apperr.FieldError{
				Field:   fieldPath(e.InstanceLocation),
				Message: e.ErrorKind.LocalizedString(printer),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func fieldPath(loc []string) string {
	if len(loc) == 0 {
		return "payload"
	}
	return "payload." + strings.Join(loc, ".")
}
