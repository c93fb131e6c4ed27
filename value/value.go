// Package value defines the closed set of values that travel across component
// ports, and the wire form used to move them in and out of the sandbox.
//
// Value is a sealed sum type: only the types declared in this package
// implement it. Every boundary that converts values (wire encoding, equality,
// cloning) switches over all kinds and rejects anything else, so adding a kind
// means touching exactly these switches.
package value

import (
	"bytes"
	"fmt"
	"math"
)

// Kind is the data-type tag carried by ports and values.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindU64
	KindI64
	KindF64
	KindString
	KindBytes
	KindList
	KindRecord
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindU64:     "u64",
	KindI64:     "i64",
	KindF64:     "f64",
	KindString:  "string",
	KindBytes:   "bytes",
	KindList:    "list",
	KindRecord:  "record",
}

// Kinds returns every valid kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindU64, KindI64, KindF64, KindString, KindBytes, KindList, KindRecord}
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k names a real value kind.
func (k Kind) Valid() bool {
	return k > KindInvalid && k <= KindRecord
}

// ParseKind converts a type tag such as "u64" into a Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if i == int(KindInvalid) {
			continue
		}
		if name == s {
			return Kind(i), nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown value type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value is a port value. The interface is sealed.
type Value interface {
	Kind() Kind
	sealed()
}

type (
	U64    uint64
	I64    int64
	F64    float64
	String string
	Bytes  []byte
	List   []Value
	Record []Field
)

// Field is one named member of a Record. Field order is significant.
type Field struct {
	Name  string
	Value Value
}

// Named pairs a port name with a value.
type Named struct {
	Name  string
	Value Value
}

func (U64) Kind() Kind    { return KindU64 }
func (I64) Kind() Kind    { return KindI64 }
func (F64) Kind() Kind    { return KindF64 }
func (String) Kind() Kind { return KindString }
func (Bytes) Kind() Kind  { return KindBytes }
func (List) Kind() Kind   { return KindList }
func (Record) Kind() Kind { return KindRecord }

func (U64) sealed()    {}
func (I64) sealed()    {}
func (F64) sealed()    {}
func (String) sealed() {}
func (Bytes) sealed()  {}
func (List) sealed()   {}
func (Record) sealed() {}

// Get returns the field with the given name.
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// KindOf returns the kind of v, or KindInvalid for nil.
func KindOf(v Value) Kind {
	if v == nil {
		return KindInvalid
	}
	return v.Kind()
}

// Equal reports deep equality. NaN floats compare equal to each other so that
// re-running an unchanged graph is recognisably idempotent.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case U64:
		return av == b.(U64)
	case I64:
		return av == b.(I64)
	case F64:
		bv := b.(F64)
		if math.IsNaN(float64(av)) && math.IsNaN(float64(bv)) {
			return true
		}
		return av == bv
	case String:
		return av == b.(String)
	case Bytes:
		return bytes.Equal(av, b.(Bytes))
	case List:
		bv := b.(List)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Record:
		bv := b.(Record)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i].Name != bv[i].Name || !Equal(av[i].Value, bv[i].Value) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Sprintf("value: unhandled kind %s", a.Kind()))
	}
}

// Clone returns a deep copy of v. Scalars are returned as-is.
func Clone(v Value) Value {
	switch tv := v.(type) {
	case nil:
		return nil
	case U64, I64, F64, String:
		return tv
	case Bytes:
		if tv == nil {
			return Bytes(nil)
		}
		return Bytes(append([]byte(nil), tv...))
	case List:
		out := make(List, len(tv))
		for i, item := range tv {
			out[i] = Clone(item)
		}
		return out
	case Record:
		out := make(Record, len(tv))
		for i, f := range tv {
			out[i] = Field{Name: f.Name, Value: Clone(f.Value)}
		}
		return out
	default:
		panic(fmt.Sprintf("value: unhandled kind %s", v.Kind()))
	}
}

// CloneNamed deep-copies a list of named values.
func CloneNamed(in []Named) []Named {
	if in == nil {
		return nil
	}
	out := make([]Named, len(in))
	for i, n := range in {
		out[i] = Named{Name: n.Name, Value: Clone(n.Value)}
	}
	return out
}

// Lookup finds a named value by name.
func Lookup(in []Named, name string) (Value, bool) {
	for _, n := range in {
		if n.Name == name {
			return n.Value, true
		}
	}
	return nil, false
}

// EqualNamed compares two named lists, order included.
func EqualNamed(a, b []Named) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}
