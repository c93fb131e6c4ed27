package value

import (
	"encoding/base64"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Wire is the self-describing form of a Value used in the guest calling
// convention and in persisted graphs. Exactly one payload field is set,
// selected by Type.
type Wire struct {
	Type   Kind        `json:"type" yaml:"type"`
	U64    *uint64     `json:"u64,omitempty" yaml:"u64,omitempty"`
	I64    *int64      `json:"i64,omitempty" yaml:"i64,omitempty"`
	F64    *float64    `json:"f64,omitempty" yaml:"f64,omitempty"`
	String *string     `json:"string,omitempty" yaml:"string,omitempty"`
	Bytes  *string     `json:"bytes,omitempty" yaml:"bytes,omitempty"` // base64, std encoding
	List   []Wire      `json:"list,omitempty" yaml:"list,omitempty"`
	Record []WireField `json:"record,omitempty" yaml:"record,omitempty"`
}

// WireField is one member of a record in wire form.
type WireField struct {
	Name  string `json:"name" yaml:"name"`
	Value Wire   `json:"value" yaml:"value"`
}

// NamedWire is a named value in wire form.
type NamedWire struct {
	Name  string `json:"name" yaml:"name"`
	Value Wire   `json:"value" yaml:"value"`
}

// JSONSchema describes Kind as its string tag rather than the underlying integer.
func (Kind) JSONSchema() *jsonschema.Schema {
	enum := make([]any, 0, len(kindNames)-1)
	for _, k := range Kinds() {
		enum = append(enum, k.String())
	}
	return &jsonschema.Schema{Type: "string", Enum: enum}
}

// ToWire converts a Value into its wire form.
func ToWire(v Value) (Wire, error) {
	switch tv := v.(type) {
	case nil:
		return Wire{}, fmt.Errorf("cannot encode nil value")
	case U64:
		u := uint64(tv)
		return Wire{Type: KindU64, U64: &u}, nil
	case I64:
		i := int64(tv)
		return Wire{Type: KindI64, I64: &i}, nil
	case F64:
		f := float64(tv)
		return Wire{Type: KindF64, F64: &f}, nil
	case String:
		s := string(tv)
		return Wire{Type: KindString, String: &s}, nil
	case Bytes:
		s := base64.StdEncoding.EncodeToString(tv)
		return Wire{Type: KindBytes, Bytes: &s}, nil
	case List:
		items := make([]Wire, len(tv))
		for i, item := range tv {
			w, err := ToWire(item)
			if err != nil {
				return Wire{}, fmt.Errorf("list[%d]: %w", i, err)
			}
			items[i] = w
		}
		return Wire{Type: KindList, List: items}, nil
	case Record:
		fields := make([]WireField, len(tv))
		for i, f := range tv {
			w, err := ToWire(f.Value)
			if err != nil {
				return Wire{}, fmt.Errorf("record field %q: %w", f.Name, err)
			}
			fields[i] = WireField{Name: f.Name, Value: w}
		}
		return Wire{Type: KindRecord, Record: fields}, nil
	default:
		return Wire{}, fmt.Errorf("unhandled value kind %s", v.Kind())
	}
}

// FromWire converts a wire value back into a Value, checking that the payload
// matches the declared type.
func FromWire(w Wire) (Value, error) {
	switch w.Type {
	case KindU64:
		if w.U64 == nil {
			return nil, missingPayload(w.Type)
		}
		return U64(*w.U64), nil
	case KindI64:
		if w.I64 == nil {
			return nil, missingPayload(w.Type)
		}
		return I64(*w.I64), nil
	case KindF64:
		if w.F64 == nil {
			return nil, missingPayload(w.Type)
		}
		return F64(*w.F64), nil
	case KindString:
		if w.String == nil {
			return nil, missingPayload(w.Type)
		}
		return String(*w.String), nil
	case KindBytes:
		if w.Bytes == nil {
			return Bytes{}, nil
		}
		b, err := base64.StdEncoding.DecodeString(*w.Bytes)
		if err != nil {
			return nil, fmt.Errorf("bytes payload: %w", err)
		}
		return Bytes(b), nil
	case KindList:
		out := make(List, len(w.List))
		for i, item := range w.List {
			v, err := FromWire(item)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case KindRecord:
		out := make(Record, len(w.Record))
		for i, f := range w.Record {
			v, err := FromWire(f.Value)
			if err != nil {
				return nil, fmt.Errorf("record field %q: %w", f.Name, err)
			}
			out[i] = Field{Name: f.Name, Value: v}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value type %s", w.Type)
	}
}

func missingPayload(k Kind) error {
	return fmt.Errorf("%s value has no %s payload", k, k)
}

// EncodeNamed converts named values into wire form, preserving order.
func EncodeNamed(in []Named) ([]NamedWire, error) {
	out := make([]NamedWire, 0, len(in))
	for _, n := range in {
		w, err := ToWire(n.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		out = append(out, NamedWire{Name: n.Name, Value: w})
	}
	return out, nil
}

// DecodeNamed converts wire named values back, preserving order.
func DecodeNamed(in []NamedWire) ([]Named, error) {
	out := make([]Named, 0, len(in))
	for _, n := range in {
		v, err := FromWire(n.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		out = append(out, Named{Name: n.Name, Value: v})
	}
	return out, nil
}
