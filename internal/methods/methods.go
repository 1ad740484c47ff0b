// Package methods holds the static method descriptors jobs are validated against.
// A descriptor names a method ID and the shape of its input and output payloads.
package methods

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// FieldType is the JSON type a payload field must have.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
)

// Field is one required member of a JSON object payload.
type Field struct {
	Name string    `yaml:"name" json:"name"`
	Type FieldType `yaml:"type" json:"type"`
}

// Descriptor describes one method. Raw methods accept any bytes; the others take a JSON
// object containing at least the In fields.
type Descriptor struct {
	ID   uint32  `yaml:"id" json:"id"`
	Name string  `yaml:"name" json:"name"`
	Raw  bool    `yaml:"raw" json:"raw,omitempty"`
	In   []Field `yaml:"in" json:"in,omitempty"`
	Out  []Field `yaml:"out" json:"out,omitempty"`
}

// Built-in method IDs.
const (
	Spider uint32 = 1
	Crawl  uint32 = 2
	Echo   uint32 = 7
)

// Defaults are the built-in methods: spider crawls one URL, crawl asks a worker to find more
// URLs for a crawl round, echo returns its input. Each URL a completed crawl reports becomes
// a spider job.
func Defaults() []Descriptor {
	return []Descriptor{
		{ID: Spider, Name: "spider", In: []Field{{"url", TypeString}}, Out: []Field{{"status", TypeNumber}}},
		{ID: Crawl, Name: "crawl", In: []Field{{"crawl_id", TypeNumber}}, Out: []Field{{"urls", TypeArray}}},
		{ID: Echo, Name: "echo", Raw: true},
	}
}

// Registry is a read-only lookup of descriptors by ID.
type Registry struct {
	byID map[uint32]Descriptor
}

// NewRegistry builds a registry, rejecting duplicate IDs and unknown field types.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[uint32]Descriptor, len(descs))}
	for _, d := range descs {
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("method %d declared twice", d.ID)
		}
		for _, f := range append(append([]Field(nil), d.In...), d.Out...) {
			switch f.Type {
			case TypeString, TypeNumber, TypeBool, TypeObject, TypeArray:
			default:
				return nil, fmt.Errorf("method %d field %q: unknown type %q", d.ID, f.Name, f.Type)
			}
		}
		r.byID[d.ID] = d
	}
	return r, nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id uint32) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// IDs lists known method IDs in ascending order.
func (r *Registry) IDs() []uint32 {
	ids := make([]uint32, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks input against the method's input shape. Errors wrap ErrInvalidRequest.
func (r *Registry) Validate(methodID uint32, input []byte) error {
	d, ok := r.byID[methodID]
	if !ok {
		return fmt.Errorf("%w: unknown method %d", types.ErrInvalidRequest, methodID)
	}
	if d.Raw {
		return nil
	}
	return checkShape(d.Name, d.In, input)
}

// ValidateOutput checks a worker's output against the method's output shape.
func (r *Registry) ValidateOutput(methodID uint32, output []byte) error {
	d, ok := r.byID[methodID]
	if !ok {
		return fmt.Errorf("%w: unknown method %d", types.ErrInvalidRequest, methodID)
	}
	if d.Raw || len(d.Out) == 0 {
		return nil
	}
	return checkShape(d.Name+" output", d.Out, output)
}

func checkShape(what string, fields []Field, data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: %s expects a JSON object", types.ErrInvalidRequest, what)
	}
	for _, f := range fields {
		raw, ok := obj[f.Name]
		if !ok {
			return fmt.Errorf("%w: %s: missing field %q", types.ErrInvalidRequest, what, f.Name)
		}
		if got := jsonType(raw); got != f.Type {
			return fmt.Errorf("%w: %s: field %q is %s, want %s", types.ErrInvalidRequest, what, f.Name, got, f.Type)
		}
	}
	return nil
}

func jsonType(raw json.RawMessage) FieldType {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		return TypeString
	case '{':
		return TypeObject
	case '[':
		return TypeArray
	case 't', 'f':
		return TypeBool
	case 'n':
		return "null"
	default:
		return TypeNumber
	}
}
