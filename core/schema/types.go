// Package schema is the type system of a deployed version: entity types, their
// fields, and the sensitive flag carried by the built-in auth types.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/value"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Scalar field types. Any other field type names an entity type.
const (
	TypeString   = "string"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeDatetime = "datetime"
	TypeBytes    = "bytes"
	TypeJSON     = "json"
	TypeList     = "list"
)

// IDField is the reserved primary key field of every entity.
const IDField = "id"

var scalarTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeBoolean: true, TypeDatetime: true,
	TypeBytes: true, TypeJSON: true, TypeList: true,
}

type Field struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Optional bool   `yaml:"optional"`
	Default  any    `yaml:"default"`
}

// IsEntity reports whether the field holds a nested entity.
func (f *Field) IsEntity() bool { return !scalarTypes[f.Type] }

type EntityType struct {
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
	// Auth marks the platform's own sensitive types; writes into them are only
	// accepted over the privileged internal path.
	Auth bool `yaml:"-"`

	schema *gojsonschema.Schema
	byName map[string]int
}

func (t *EntityType) IsAuth() bool { return t.Auth }

func (t *EntityType) Field(name string) (*Field, bool) {
	i, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return &t.Fields[i], true
}

// HasField also accepts the implicit id field.
func (t *EntityType) HasField(name string) bool {
	if name == IDField {
		return true
	}
	_, ok := t.byName[name]
	return ok
}

// ApplyDefaults fills missing fields that declare a default.
func (t *EntityType) ApplyDefaults(row *value.Map) error {
	for _, f := range t.Fields {
		if f.Default == nil {
			continue
		}
		if _, ok := row.Get(f.Name); ok {
			continue
		}
		v, err := value.FromHost(f.Default)
		if err != nil {
			return fmt.Errorf("default of %s.%s: %w", t.Name, f.Name, err)
		}
		row.Set(f.Name, v)
	}
	return nil
}

// Validate checks row against the JSON schema compiled from the fields.
func (t *EntityType) Validate(row *value.Map) error {
	res, err := t.schema.Validate(gojsonschema.NewGoLoader(value.ToTagged(value.FromMap(row))))
	if err != nil {
		return dberror.Conversion("validate %s: %v", t.Name, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return dberror.Conversion("value does not match type %s: %s", t.Name, strings.Join(msgs, "; "))
}

func (t *EntityType) compile() error {
	t.byName = make(map[string]int, len(t.Fields))
	props := map[string]any{IDField: map[string]any{"type": "string"}}
	required := []string{}
	for i, f := range t.Fields {
		if f.Name == "" || f.Name == IDField || strings.HasPrefix(f.Name, "$") {
			return fmt.Errorf("type %s: invalid field name %q", t.Name, f.Name)
		}
		if _, dup := t.byName[f.Name]; dup {
			return fmt.Errorf("type %s: duplicate field %q", t.Name, f.Name)
		}
		t.byName[f.Name] = i
		props[f.Name] = fieldSchema(f)
		if !f.Optional && f.Default == nil {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("type %s: compile schema: %w", t.Name, err)
	}
	t.schema = s
	return nil
}

func tagged(tag string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"required":             []string{tag},
		"properties":           map[string]any{tag: map[string]any{"type": "string"}},
		"additionalProperties": false,
	}
}

func fieldSchema(f Field) map[string]any {
	var s map[string]any
	switch f.Type {
	case TypeString:
		s = map[string]any{"type": "string"}
	case TypeNumber:
		s = map[string]any{"type": "number"}
	case TypeBoolean:
		s = map[string]any{"type": "boolean"}
	case TypeDatetime:
		s = tagged("$date")
	case TypeBytes:
		s = tagged("$bytes")
	case TypeList:
		s = map[string]any{"type": "array"}
	case TypeJSON:
		return map[string]any{}
	default:
		// Nested entity: either an object to insert or the id of an existing row.
		s = map[string]any{"type": []string{"object", "string"}}
	}
	if f.Optional {
		return map[string]any{"anyOf": []any{s, map[string]any{"type": "null"}}}
	}
	return s
}

// TypeSystem holds the entity types of one version.
type TypeSystem struct {
	mu    sync.RWMutex
	types map[string]*EntityType
}

// NewTypeSystem returns a type system pre-populated with the built-in auth types.
func NewTypeSystem() *TypeSystem {
	ts := &TypeSystem{types: make(map[string]*EntityType)}
	if err := ts.AddTypes(builtinAuthTypes()...); err != nil {
		panic(err)
	}
	return ts
}

// LookupType fails with ErrTypeNotFound for unknown names.
func (ts *TypeSystem) LookupType(name string) (*EntityType, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberror.ErrTypeNotFound, name)
	}
	return t, nil
}

// Names lists the known types in order.
func (ts *TypeSystem) Names() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	names := make([]string, 0, len(ts.types))
	for n := range ts.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddTypes registers a batch of types. Entity references may point at any type
// in the batch or one already registered; the batch is all or nothing.
func (ts *TypeSystem) AddTypes(types ...*EntityType) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	known := func(name string) bool {
		if _, ok := ts.types[name]; ok {
			return true
		}
		for _, t := range types {
			if t.Name == name {
				return true
			}
		}
		return false
	}
	for _, t := range types {
		if t.Name == "" {
			return fmt.Errorf("entity type without a name")
		}
		if strings.HasPrefix(t.Name, "_") {
			return fmt.Errorf("type %s: names starting with an underscore are reserved", t.Name)
		}
		if _, exists := ts.types[t.Name]; exists {
			return fmt.Errorf("type %s already defined", t.Name)
		}
		for _, f := range t.Fields {
			if f.IsEntity() && !known(f.Type) {
				return fmt.Errorf("type %s: field %s references unknown type %q", t.Name, f.Name, f.Type)
			}
		}
		if err := t.compile(); err != nil {
			return err
		}
	}
	for _, t := range types {
		ts.types[t.Name] = t
	}
	return nil
}

type typeFile struct {
	Types []*EntityType `yaml:"types"`
}

// LoadFile reads a YAML document with a top-level `types:` list.
func (ts *TypeSystem) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read type file %s: %w", path, err)
	}
	var tf typeFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("failed to parse type file %s: %w", path, err)
	}
	return ts.AddTypes(tf.Types...)
}

func builtinAuthTypes() []*EntityType {
	opt := func(name, typ string) Field { return Field{Name: name, Type: typ, Optional: true} }
	return []*EntityType{
		{Name: "AuthUser", Auth: true, Fields: []Field{
			opt("name", TypeString), opt("email", TypeString),
			opt("emailVerified", TypeDatetime), opt("image", TypeString),
		}},
		{Name: "AuthSession", Auth: true, Fields: []Field{
			{Name: "sessionToken", Type: TypeString}, {Name: "userId", Type: TypeString},
			{Name: "expires", Type: TypeDatetime},
		}},
		{Name: "AuthToken", Auth: true, Fields: []Field{
			{Name: "identifier", Type: TypeString}, {Name: "token", Type: TypeString},
			{Name: "expires", Type: TypeDatetime},
		}},
		{Name: "AuthAccount", Auth: true, Fields: []Field{
			{Name: "providerAccountId", Type: TypeString}, {Name: "userId", Type: TypeString},
			{Name: "providerType", Type: TypeString}, {Name: "provider", Type: TypeString},
			opt("refreshToken", TypeString), opt("accessToken", TypeString),
			opt("accessTokenExpires", TypeString),
		}},
	}
}
