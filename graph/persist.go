package graph

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/value"
)

// DocumentVersion is the persisted graph format version.
const DocumentVersion = 1

// DescriptorResolver finds the component a persisted node refers to.
// *component.Registry satisfies it.
type DescriptorResolver interface {
	Resolve(id, constraint string) (*component.Descriptor, error)
}

// Document is the persisted form of a graph. Computed outputs are not stored.
type Document struct {
	Nodes   []NodeDocument `yaml:"nodes"`
	Edges   []Edge         `yaml:"edges,omitempty"`
	Version int            `yaml:"version"`
}

// NodeDocument is one persisted node.
type NodeDocument struct {
	Grant     *capability.GrantRecord `yaml:"grant,omitempty"`
	ID        string                  `yaml:"id"`
	Component ComponentRef            `yaml:"component"`
	Inputs    []value.NamedWire       `yaml:"inputs,omitempty"`
}

// Document converts the graph into its persisted form.
func (g *Graph) Document() (*Document, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doc := &Document{
		Version: DocumentVersion,
		Nodes:   make([]NodeDocument, 0, len(g.nodes)),
		Edges:   append([]Edge(nil), g.edges...),
	}
	for _, n := range g.nodes {
		inputs, err := value.EncodeNamed(n.inputs)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.id, err)
		}
		nd := NodeDocument{ID: n.id, Component: n.ref, Inputs: inputs}
		if n.grant != nil {
			rec := n.grant.Record()
			nd.Grant = &rec
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	return doc, nil
}

// Encode writes the graph as YAML. Encoding a decoded graph reproduces the
// same bytes.
func Encode(w io.Writer, g *Graph) error {
	doc, err := g.Document()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding graph: %w", err)
	}
	return enc.Close()
}

// Decode reads a YAML graph, resolving each node's component. Every node
// of the result is dirty.
func Decode(r io.Reader, resolver DescriptorResolver) (*Graph, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decoding graph: empty document")
		}
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	return FromDocument(&doc, resolver)
}

// FromDocument rebuilds a graph from its persisted form.
func FromDocument(doc *Document, resolver DescriptorResolver) (*Graph, error) {
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("unsupported graph version %d (want %d)", doc.Version, DocumentVersion)
	}

	g := New()
	for _, nd := range doc.Nodes {
		desc, err := resolver.Resolve(nd.Component.ID, nd.Component.Version)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		opts := []NodeOption{WithConstraint(nd.Component.Version)}
		if nd.Grant != nil {
			grant, err := capability.GrantFromRecord(*nd.Grant)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", nd.ID, err)
			}
			opts = append(opts, WithGrant(grant))
		}
		if err := g.AddNode(nd.ID, desc, opts...); err != nil {
			return nil, err
		}
		inputs, err := value.DecodeNamed(nd.Inputs)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		for _, in := range inputs {
			if err := g.SetInput(nd.ID, in.Name, in.Value); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range doc.Edges {
		if err := g.AddEdge(e.From, e.To); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Checksum returns the digest of the graph's persisted form.
func Checksum(g *Graph) (component.Digest, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, g); err != nil {
		return component.Digest{}, err
	}
	return component.ComputeDigest(buf.Bytes()), nil
}
