// Package policy evaluates per-type access rules written as CEL expressions.
//
// Each rule sees two variables: `row`, the entity being read or written, and
// `ctx`, the caller's request context (user_id, path, routing_path, version_id,
// headers). A read rule that evaluates to false hides the row; a write rule that
// evaluates to false refuses the write.
package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/value"
	"gopkg.in/yaml.v3"
)

type TypePolicy struct {
	Type  string   `yaml:"type"`
	Read  string   `yaml:"read"`
	Write string   `yaml:"write"`
	Omit  []string `yaml:"omit"`

	read  cel.Program
	write cel.Program
}

// System holds the compiled policies of one version.
type System struct {
	env      *cel.Env
	mu       sync.RWMutex
	policies map[string]*TypePolicy
}

func NewSystem() (*System, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}
	return &System{env: env, policies: make(map[string]*TypePolicy)}, nil
}

func (s *System) compile(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, nil
	}
	ast, iss := s.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	return s.env.Program(ast)
}

// Add compiles and registers p, replacing any policy for the same type.
func (s *System) Add(p TypePolicy) error {
	if p.Type == "" {
		return fmt.Errorf("policy without a type")
	}
	var err error
	if p.read, err = s.compile(p.Read); err != nil {
		return fmt.Errorf("policy %s: read rule: %w", p.Type, err)
	}
	if p.write, err = s.compile(p.Write); err != nil {
		return fmt.Errorf("policy %s: write rule: %w", p.Type, err)
	}
	s.mu.Lock()
	s.policies[p.Type] = &p
	s.mu.Unlock()
	return nil
}

// For returns the policy of a type, or nil when the type is unrestricted.
func (s *System) For(typeName string) *TypePolicy {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[typeName]
}

type policyFile struct {
	Policies []TypePolicy `yaml:"policies"`
}

// LoadFile reads a YAML document with a top-level `policies:` list.
func (s *System) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	for _, p := range pf.Policies {
		if err := s.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// AllowRead reports whether row is visible to the caller.
func (p *TypePolicy) AllowRead(row *value.Map, vars map[string]any) (bool, error) {
	if p == nil {
		return true, nil
	}
	return eval(p.read, row, vars)
}

// CheckWrite fails with ErrPermissionDenied when the write rule rejects row.
func (p *TypePolicy) CheckWrite(row *value.Map, vars map[string]any) error {
	if p == nil {
		return nil
	}
	ok, err := eval(p.write, row, vars)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: write into %s rejected by policy", dberror.ErrPermissionDenied, p.Type)
	}
	return nil
}

// Omitted lists the fields removed from query results.
func (p *TypePolicy) Omitted() []string {
	if p == nil {
		return nil
	}
	return p.Omit
}

func eval(prg cel.Program, row *value.Map, vars map[string]any) (bool, error) {
	if prg == nil {
		return true, nil
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"row": value.MapToHost(row),
		"ctx": vars,
	})
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy rule returned %T, want bool", out.Value())
	}
	return b, nil
}
