// Package props implements the market property set: an ordered mapping
// from dotted namespaced keys to typed scalar values, held in two
// equivalent forms. The expanded form is a nested JSON tree; the
// flattened form is one "key=json-value" line per property and is what
// the constraint resolver consumes.
package props

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/veridix/agora/pkg/apierr"
)

// Set holds properties keyed by dotted path. Keys are kept sorted so
// both forms serialize deterministically.
type Set struct {
	values map[string]any
	keys   []string
}

func New() *Set {
	return &Set{values: make(map[string]any)}
}

// FromExpanded parses a nested JSON object, flattening nested objects
// into dotted keys. Arrays and scalars are property values.
func FromExpanded(raw []byte) (*Set, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return New(), nil
	}

	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "properties are not a JSON object")
	}

	s := New()
	if err := s.flattenInto("", tree); err != nil {
		return nil, err
	}
	sort.Strings(s.keys)
	return s, nil
}

// FromFlattened parses "key=json-value" lines. A value that is not
// valid JSON is taken as a bare string, which tolerates hand-written
// property files.
func FromFlattened(lines []string) (*Set, error) {
	s := New()
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, rawVal, ok := strings.Cut(line, "=")
		if !ok {
			return nil, apierr.New(apierr.KindValidation, "property line %q has no '='", line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, apierr.New(apierr.KindValidation, "property line %q has empty key", line)
		}

		var val any
		if err := json.Unmarshal([]byte(rawVal), &val); err != nil {
			val = rawVal
		}
		if err := s.put(key, val); err != nil {
			return nil, err
		}
	}
	sort.Strings(s.keys)
	return s, nil
}

func (s *Set) flattenInto(prefix string, tree map[string]any) error {
	for key, val := range tree {
		if strings.Contains(key, "=") {
			return apierr.New(apierr.KindValidation, "property key %q contains '='", key)
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			if err := s.flattenInto(path, nested); err != nil {
				return err
			}
			continue
		}
		if err := s.put(path, val); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) put(key string, val any) error {
	if _, exists := s.values[key]; exists {
		return apierr.New(apierr.KindValidation, "duplicate property key %q", key)
	}
	s.values[key] = val
	s.keys = append(s.keys, key)
	return nil
}

// Put sets a property, replacing any previous value for the key.
func (s *Set) Put(key string, val any) {
	if _, exists := s.values[key]; !exists {
		s.keys = append(s.keys, key)
		sort.Strings(s.keys)
	}
	s.values[key] = val
}

func (s *Set) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *Set) Keys() []string {
	return append([]string(nil), s.keys...)
}

func (s *Set) Len() int {
	return len(s.keys)
}

// Flattened renders one "key=json-value" line per property.
func (s *Set) Flattened() []string {
	lines := make([]string, 0, len(s.keys))
	for _, key := range s.keys {
		raw, err := json.Marshal(s.values[key])
		if err != nil {
			// Values only ever come from json.Unmarshal or Put with
			// JSON-compatible types; marshal cannot fail for those.
			panic(fmt.Sprintf("unmarshalable property value for %q: %v", key, err))
		}
		lines = append(lines, key+"="+string(raw))
	}
	return lines
}

// Expanded rebuilds the nested tree form.
func (s *Set) Expanded() (map[string]any, error) {
	tree := make(map[string]any)
	for _, key := range s.keys {
		parts := strings.Split(key, ".")
		node := tree
		for i, part := range parts[:len(parts)-1] {
			child, ok := node[part]
			if !ok {
				next := make(map[string]any)
				node[part] = next
				node = next
				continue
			}
			nested, ok := child.(map[string]any)
			if !ok {
				return nil, apierr.New(apierr.KindValidation,
					"property %q conflicts with scalar at %q", key, strings.Join(parts[:i+1], "."))
			}
			node = nested
		}
		leaf := parts[len(parts)-1]
		if _, exists := node[leaf]; exists {
			return nil, apierr.New(apierr.KindValidation, "property %q conflicts with nested keys", key)
		}
		node[leaf] = s.values[key]
	}
	return tree, nil
}

// MarshalJSON serializes the expanded form.
func (s *Set) MarshalJSON() ([]byte, error) {
	tree, err := s.Expanded()
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// UnmarshalJSON parses the expanded form.
func (s *Set) UnmarshalJSON(raw []byte) error {
	parsed, err := FromExpanded(raw)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// Canonical returns the RFC 8785 canonical JSON of the expanded form;
// identifier hashes are computed over these bytes.
func (s *Set) Canonical() ([]byte, error) {
	raw, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize properties: %w", err)
	}
	return canonical, nil
}

// Clone returns an independent copy. Property values are JSON scalars
// or arrays; arrays are copied shallowly, which is safe because the
// resolver never mutates them.
func (s *Set) Clone() *Set {
	c := &Set{
		values: make(map[string]any, len(s.values)),
		keys:   append([]string(nil), s.keys...),
	}
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}
