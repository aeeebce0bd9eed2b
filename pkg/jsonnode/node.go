// Package jsonnode provides an immutable, order-preserving JSON tree.
// Objects keep their fields in document order, which the table materializer relies on
// to produce stable column orders.
package jsonnode

import (
	"errors"
	"slices"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when the input is not a well-formed JSON document.
var ErrInvalidJSON = errors.New("invalid JSON document")

// Kind is the variant tag of a Node.
type Kind int

const (
	KindObject Kind = iota + 1
	KindArray
	KindScalar
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindScalar:
		return "scalar"
	}
	return "unknown"
}

// ScalarType distinguishes the scalar variants.
type ScalarType int

const (
	ScalarNull ScalarType = iota
	ScalarString
	ScalarNumber
	ScalarBool
)

// Field is a named member of an object node.
type Field struct {
	Name  string
	Value *Node
}

// Node is a JSON value. A Node is never mutated after construction.
type Node struct {
	kind   Kind
	fields []Field
	index  map[string]int
	items  []*Node
	scalar ScalarType
	text   string // string value, or the raw text of a number
	truth  bool
}

// Parse builds a Node tree from raw JSON bytes.
func Parse(data []byte) (*Node, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	return FromResult(gjson.ParseBytes(data)), nil
}

// ParseString is Parse for string input.
func ParseString(s string) (*Node, error) {
	return Parse([]byte(s))
}

// FromResult converts a gjson result into a Node tree.
func FromResult(r gjson.Result) *Node {
	if r.IsObject() {
		n := &Node{kind: KindObject, index: make(map[string]int)}
		r.ForEach(func(key, value gjson.Result) bool {
			n.setField(key.String(), FromResult(value))
			return true
		})
		return n
	}
	if r.IsArray() {
		n := &Node{kind: KindArray}
		r.ForEach(func(_, value gjson.Result) bool {
			n.items = append(n.items, FromResult(value))
			return true
		})
		return n
	}

	switch r.Type {
	case gjson.String:
		return String(r.Str)
	case gjson.Number:
		return RawNumber(r.Raw)
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	}
	return Null()
}

// setField appends a field, or replaces the value of an existing one in place.
// Only used while a node is being built.
func (n *Node) setField(name string, value *Node) {
	if i, ok := n.index[name]; ok {
		n.fields[i].Value = value
		return
	}
	n.index[name] = len(n.fields)
	n.fields = append(n.fields, Field{Name: name, Value: value})
}

// Object builds an object node from fields in the given order.
func Object(fields ...Field) *Node {
	n := &Node{kind: KindObject, index: make(map[string]int, len(fields))}
	for _, f := range fields {
		n.setField(f.Name, f.Value)
	}
	return n
}

// F is shorthand for a Field literal.
func F(name string, value *Node) Field {
	return Field{Name: name, Value: value}
}

// Array builds an array node.
func Array(items ...*Node) *Node {
	return &Node{kind: KindArray, items: slices.Clone(items)}
}

// String builds a string scalar.
func String(s string) *Node {
	return &Node{kind: KindScalar, scalar: ScalarString, text: s}
}

// Number builds a number scalar from a float.
func Number(v float64) *Node {
	return RawNumber(strconv.FormatFloat(v, 'f', -1, 64))
}

// RawNumber builds a number scalar keeping its literal JSON text.
func RawNumber(raw string) *Node {
	return &Node{kind: KindScalar, scalar: ScalarNumber, text: raw}
}

// Bool builds a boolean scalar.
func Bool(b bool) *Node {
	return &Node{kind: KindScalar, scalar: ScalarBool, truth: b}
}

// Null builds a null scalar.
func Null() *Node {
	return &Node{kind: KindScalar, scalar: ScalarNull}
}

func (n *Node) Kind() Kind { return n.kind }

func (n *Node) IsObject() bool { return n != nil && n.kind == KindObject }

func (n *Node) IsArray() bool { return n != nil && n.kind == KindArray }

func (n *Node) IsScalar() bool { return n != nil && n.kind == KindScalar }

// IsNull reports whether the node is a JSON null. A nil node counts as null.
func (n *Node) IsNull() bool {
	return n == nil || (n.kind == KindScalar && n.scalar == ScalarNull)
}

// IsContainer reports whether the node is an object or an array.
func (n *Node) IsContainer() bool {
	return n.IsObject() || n.IsArray()
}

// ScalarType returns the scalar variant. Only meaningful for scalar nodes.
func (n *Node) ScalarType() ScalarType { return n.scalar }

// Fields returns the object fields in document order.
func (n *Node) Fields() []Field {
	if !n.IsObject() {
		return nil
	}
	return slices.Clone(n.fields)
}

// Get looks up an object field by exact name.
func (n *Node) Get(name string) (*Node, bool) {
	if !n.IsObject() {
		return nil, false
	}
	i, ok := n.index[name]
	if !ok {
		return nil, false
	}
	return n.fields[i].Value, true
}

// Items returns the elements of an array node.
func (n *Node) Items() []*Node {
	if !n.IsArray() {
		return nil
	}
	return slices.Clone(n.items)
}

// Index returns the i-th array element.
func (n *Node) Index(i int) (*Node, bool) {
	if !n.IsArray() || i < 0 || i >= len(n.items) {
		return nil, false
	}
	return n.items[i], true
}

// Len returns the number of fields or elements, 0 for scalars.
func (n *Node) Len() int {
	switch {
	case n.IsObject():
		return len(n.fields)
	case n.IsArray():
		return len(n.items)
	}
	return 0
}

// Text returns the string value of a string scalar or the raw text of a number.
func (n *Node) Text() string {
	if !n.IsScalar() {
		return ""
	}
	switch n.scalar {
	case ScalarString, ScalarNumber:
		return n.text
	case ScalarBool:
		return strconv.FormatBool(n.truth)
	}
	return ""
}

// Truth returns the value of a boolean scalar.
func (n *Node) Truth() bool {
	return n.IsScalar() && n.scalar == ScalarBool && n.truth
}

// Value returns the node as a plain Go value: string, float64, bool, nil,
// []any or map[string]any.
func (n *Node) Value() any {
	if n == nil {
		return nil
	}
	switch n.kind {
	case KindObject:
		m := make(map[string]any, len(n.fields))
		for _, f := range n.fields {
			m[f.Name] = f.Value.Value()
		}
		return m
	case KindArray:
		out := make([]any, len(n.items))
		for i, item := range n.items {
			out[i] = item.Value()
		}
		return out
	}
	switch n.scalar {
	case ScalarString:
		return n.text
	case ScalarNumber:
		f, err := strconv.ParseFloat(n.text, 64)
		if err != nil {
			return n.text
		}
		return f
	case ScalarBool:
		return n.truth
	}
	return nil
}
