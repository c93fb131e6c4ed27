package component

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "descriptor.schema.json"

// SchemaError lists every schema violation of a descriptor document.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "descriptor does not match schema: " + strings.Join(e.Problems, "; ")
}

// SchemaValidator checks raw descriptor documents against the JSON schema
// reflected from Document.
type SchemaValidator struct {
	schema *validator.Schema
	raw    []byte
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *SchemaValidator
	defaultValidatorErr  error
)

// DefaultSchemaValidator returns a process-wide validator built on first use.
func DefaultSchemaValidator() (*SchemaValidator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewSchemaValidator()
	})
	return defaultValidator, defaultValidatorErr
}

// NewSchemaValidator reflects and compiles the descriptor schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	raw, err := DescriptorSchema()
	if err != nil {
		return nil, err
	}
	c := validator.NewCompiler()
	c.Draft = validator.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load descriptor schema: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile descriptor schema: %w", err)
	}
	return &SchemaValidator{schema: s, raw: raw}, nil
}

// DescriptorSchema returns the JSON schema of a descriptor document.
func DescriptorSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		Anonymous:                 true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(&Document{})
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal descriptor schema: %w", err)
	}
	return b, nil
}

// Schema returns the compiled schema source.
func (v *SchemaValidator) Schema() []byte {
	return v.raw
}

// Validate checks a decoded document. doc may come from either YAML or JSON;
// it is normalized through JSON before validation.
func (v *SchemaValidator) Validate(doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("descriptor is not representable as JSON: %w", err)
	}
	var normalized any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("descriptor is not representable as JSON: %w", err)
	}
	if err := v.schema.Validate(normalized); err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			return &SchemaError{Problems: collectProblems(verr)}
		}
		return err
	}
	return nil
}

func collectProblems(verr *validator.ValidationError) []string {
	var out []string
	for _, u := range verr.BasicOutput().Errors {
		if u.Error == "" || strings.HasPrefix(u.Error, "doesn't validate with") {
			continue
		}
		loc := u.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, loc+": "+u.Error)
	}
	if len(out) == 0 {
		out = append(out, verr.Error())
	}
	return out
}
