package component

import (
	"fmt"

	"github.com/reglet-dev/reglet-graph/value"
)

// Document is the serialized form of a Descriptor (descriptor.yaml / .json).
type Document struct {
	ID           string               `json:"id" yaml:"id" jsonschema:"minLength=1,maxLength=128"`
	Version      string               `json:"version" yaml:"version" jsonschema:"minLength=1"`
	Description  string               `json:"description,omitempty" yaml:"description,omitempty"`
	Lifecycle    string               `json:"lifecycle,omitempty" yaml:"lifecycle,omitempty" jsonschema:"enum=standard,enum=continuous"`
	Inputs       []PortDocument       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs      []PortDocument       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	EntryPoints  *EntryPointsDocument `json:"entrypoints,omitempty" yaml:"entrypoints,omitempty"`
	Digest       string               `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// PortDocument is the serialized form of a PortSpec.
type PortDocument struct {
	Name     string      `json:"name" yaml:"name" jsonschema:"minLength=1"`
	Type     value.Kind  `json:"type" yaml:"type"`
	Optional bool        `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default  *value.Wire `json:"default,omitempty" yaml:"default,omitempty"`
}

// EntryPointsDocument overrides default export names.
type EntryPointsDocument struct {
	Invoke   string `json:"invoke,omitempty" yaml:"invoke,omitempty"`
	Setup    string `json:"setup,omitempty" yaml:"setup,omitempty"`
	Iterate  string `json:"iterate,omitempty" yaml:"iterate,omitempty"`
	Teardown string `json:"teardown,omitempty" yaml:"teardown,omitempty"`
}

// Descriptor converts the document, applies defaults and validates the result.
func (doc *Document) Descriptor() (*Descriptor, error) {
	d := &Descriptor{
		ID:           doc.ID,
		Version:      doc.Version,
		Description:  doc.Description,
		Lifecycle:    Lifecycle(doc.Lifecycle),
		Capabilities: append([]string(nil), doc.Capabilities...),
	}
	if doc.EntryPoints != nil {
		d.EntryPoints = EntryPoints{
			Invoke:   doc.EntryPoints.Invoke,
			Setup:    doc.EntryPoints.Setup,
			Iterate:  doc.EntryPoints.Iterate,
			Teardown: doc.EntryPoints.Teardown,
		}
	}
	if doc.Digest != "" {
		dg, err := ParseDigest(doc.Digest)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", doc.ID, err)
		}
		d.Digest = dg
	}
	var err error
	if d.Inputs, err = portsFromDocument(doc.ID, doc.Inputs); err != nil {
		return nil, err
	}
	if d.Outputs, err = portsFromDocument(doc.ID, doc.Outputs); err != nil {
		return nil, err
	}
	d.withDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func portsFromDocument(id string, docs []PortDocument) ([]PortSpec, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	out := make([]PortSpec, 0, len(docs))
	for _, pd := range docs {
		p := PortSpec{Name: pd.Name, Type: pd.Type, Optional: pd.Optional}
		if pd.Default != nil {
			v, err := value.FromWire(*pd.Default)
			if err != nil {
				return nil, fmt.Errorf("component %s: port %q default: %w", id, pd.Name, err)
			}
			p.Default = v
		}
		out = append(out, p)
	}
	return out, nil
}

// DocumentOf converts a descriptor back to its serialized form.
func DocumentOf(d *Descriptor) (*Document, error) {
	doc := &Document{
		ID:           d.ID,
		Version:      d.Version,
		Description:  d.Description,
		Lifecycle:    string(d.Lifecycle),
		Capabilities: append([]string(nil), d.Capabilities...),
		Digest:       d.Digest.String(),
	}
	var err error
	if doc.Inputs, err = portsToDocument(d.Inputs); err != nil {
		return nil, fmt.Errorf("component %s: %w", d.ID, err)
	}
	if doc.Outputs, err = portsToDocument(d.Outputs); err != nil {
		return nil, fmt.Errorf("component %s: %w", d.ID, err)
	}
	if d.EntryPoints != (EntryPoints{}) {
		doc.EntryPoints = &EntryPointsDocument{
			Invoke:   d.EntryPoints.Invoke,
			Setup:    d.EntryPoints.Setup,
			Iterate:  d.EntryPoints.Iterate,
			Teardown: d.EntryPoints.Teardown,
		}
	}
	return doc, nil
}

func portsToDocument(ports []PortSpec) ([]PortDocument, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	out := make([]PortDocument, 0, len(ports))
	for _, p := range ports {
		pd := PortDocument{Name: p.Name, Type: p.Type, Optional: p.Optional}
		if p.Default != nil {
			w, err := value.ToWire(p.Default)
			if err != nil {
				return nil, fmt.Errorf("port %q default: %w", p.Name, err)
			}
			pd.Default = &w
		}
		out = append(out, pd)
	}
	return out, nil
}
