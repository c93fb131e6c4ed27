package component

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DescriptorParser parses raw descriptor bytes into a validated Descriptor.
type DescriptorParser interface {
	Parse(data []byte) (*Descriptor, error)
}

// YAMLParser implements DescriptorParser for YAML documents.
type YAMLParser struct {
	validator *SchemaValidator
}

// NewYAMLParser creates a YAML parser. A nil validator uses the default one.
func NewYAMLParser(v *SchemaValidator) *YAMLParser {
	return &YAMLParser{validator: v}
}

// Parse decodes, schema-validates and converts a YAML descriptor.
func (p *YAMLParser) Parse(data []byte) (*Descriptor, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if err := validateRaw(p.validator, raw); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	return doc.Descriptor()
}

// JSONParser implements DescriptorParser for JSON documents.
type JSONParser struct {
	validator *SchemaValidator
}

// NewJSONParser creates a JSON parser. A nil validator uses the default one.
func NewJSONParser(v *SchemaValidator) *JSONParser {
	return &JSONParser{validator: v}
}

// Parse decodes, schema-validates and converts a JSON descriptor.
func (p *JSONParser) Parse(data []byte) (*Descriptor, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if err := validateRaw(p.validator, raw); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	return doc.Descriptor()
}

func validateRaw(v *SchemaValidator, raw any) error {
	if v == nil {
		var err error
		if v, err = DefaultSchemaValidator(); err != nil {
			return err
		}
	}
	return v.Validate(raw)
}

// ParserFor picks a parser from a file name extension.
func ParserFor(name string) (DescriptorParser, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return NewYAMLParser(nil), nil
	case ".json":
		return NewJSONParser(nil), nil
	default:
		return nil, fmt.Errorf("unsupported descriptor format %q", filepath.Ext(name))
	}
}

// MarshalYAML renders a descriptor as a YAML document.
func MarshalYAML(d *Descriptor) ([]byte, error) {
	doc, err := DocumentOf(d)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}
