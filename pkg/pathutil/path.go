// Package pathutil navigates dotted, indexed paths such as "Invoice.Lines[0].Taxes"
// over a jsonnode tree.
package pathutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wehubfusion/Banda/pkg/jsonnode"
)

var (
	// ErrPathNotFound indicates that a path does not address any node of the document
	ErrPathNotFound = errors.New("path not found")

	// ErrMalformedPath indicates that a path string cannot be parsed
	ErrMalformedPath = errors.New("malformed path")
)

// Segment is one dot-separated step of a path. An empty Name with an index addresses
// the current node as an array.
type Segment struct {
	Name     string
	Index    int
	HasIndex bool
}

func (s Segment) String() string {
	if s.HasIndex {
		return fmt.Sprintf("%s[%d]", s.Name, s.Index)
	}
	return s.Name
}

// Parse splits a path into segments. The empty path has no segments.
func Parse(path string) ([]Segment, error) {
	if path == "" {
		return nil, nil
	}

	parts := strings.Split(path, ".")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func parseSegment(part string) (Segment, error) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if part == "" {
			return Segment{}, fmt.Errorf("%w: empty segment", ErrMalformedPath)
		}
		if strings.ContainsRune(part, ']') {
			return Segment{}, fmt.Errorf("%w: unexpected ']' in segment %q", ErrMalformedPath, part)
		}
		return Segment{Name: part}, nil
	}

	rest := part[open+1:]
	closing := strings.IndexByte(rest, ']')
	if closing < 0 {
		return Segment{}, fmt.Errorf("%w: unclosed bracket in segment %q", ErrMalformedPath, part)
	}
	if closing != len(rest)-1 {
		return Segment{}, fmt.Errorf("%w: trailing text after index in segment %q", ErrMalformedPath, part)
	}

	index, err := strconv.Atoi(rest[:closing])
	if err != nil || index < 0 {
		return Segment{}, fmt.Errorf("%w: invalid index in segment %q", ErrMalformedPath, part)
	}
	return Segment{Name: part[:open], Index: index, HasIndex: true}, nil
}

// Resolve returns the node addressed by path. The empty path returns root itself.
// Property names are matched exactly.
func Resolve(root *jsonnode.Node, path string) (*jsonnode.Node, error) {
	segments, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return ResolveSegments(root, segments)
}

// ResolveSegments walks already parsed segments.
func ResolveSegments(root *jsonnode.Node, segments []Segment) (*jsonnode.Node, error) {
	current := root
	for _, seg := range segments {
		if seg.Name != "" {
			if !current.IsObject() {
				return nil, fmt.Errorf("%w: %q is applied to a %s", ErrPathNotFound, seg.Name, describe(current))
			}
			next, ok := current.Get(seg.Name)
			if !ok {
				return nil, fmt.Errorf("%w: property %q does not exist", ErrPathNotFound, seg.Name)
			}
			current = next
		}

		if seg.HasIndex {
			if !current.IsArray() {
				return nil, fmt.Errorf("%w: index in %q is applied to a %s", ErrPathNotFound, seg, describe(current))
			}
			next, ok := current.Index(seg.Index)
			if !ok {
				return nil, fmt.Errorf("%w: index %d out of range in %q (length %d)", ErrPathNotFound, seg.Index, seg, current.Len())
			}
			current = next
		}
	}
	return current, nil
}

func describe(n *jsonnode.Node) string {
	if n == nil {
		return "missing node"
	}
	return n.Kind().String()
}
