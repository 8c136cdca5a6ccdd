package capability

import (
	"fmt"
	"regexp"
)

// ParamType enumerates the argument types a parameter schema may declare.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Parameter describes one accepted argument: its type, whether it is
// required, and optional value constraints.
type Parameter struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`

	// Enum restricts the value to one of the listed literals.
	Enum []any `json:"enum,omitempty"`

	// Numeric constraints.
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`

	// String constraints.
	MinLength *int   `json:"min_length,omitempty"`
	MaxLength *int   `json:"max_length,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// Schema maps parameter names to their descriptions. Argument validation
// happens at the invocation boundary, before a handler is dispatched.
type Schema map[string]Parameter

// ValidateSelf checks that every declared parameter carries a known type and
// a compilable pattern.
func (s Schema) ValidateSelf() error {
	for name, p := range s {
		switch p.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		default:
			return fmt.Errorf("%w: parameter %q has unknown type %q", ErrInvalidSchema, name, p.Type)
		}
		if p.Pattern != "" {
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return fmt.Errorf("%w: parameter %q pattern: %v", ErrInvalidSchema, name, err)
			}
		}
	}
	return nil
}

// Validate checks a set of call arguments against the schema. Missing
// required parameters, unknown parameters, and constraint violations are all
// reported as ErrArguments so the callee can distinguish bad input from its
// own failures.
func (s Schema) Validate(args map[string]any) error {
	for name, p := range s {
		v, ok := args[name]
		if !ok {
			if p.Required {
				return fmt.Errorf("%w: missing required parameter %q", ErrArguments, name)
			}
			continue
		}
		if err := p.check(name, v); err != nil {
			return err
		}
	}
	for name := range args {
		if _, ok := s[name]; !ok {
			return fmt.Errorf("%w: unknown parameter %q", ErrArguments, name)
		}
	}
	return nil
}

func (p Parameter) check(name string, v any) error {
	switch p.Type {
	case TypeString:
		sv, ok := v.(string)
		if !ok {
			return typeMismatch(name, p.Type, v)
		}
		if p.MinLength != nil && len(sv) < *p.MinLength {
			return fmt.Errorf("%w: parameter %q shorter than %d", ErrArguments, name, *p.MinLength)
		}
		if p.MaxLength != nil && len(sv) > *p.MaxLength {
			return fmt.Errorf("%w: parameter %q longer than %d", ErrArguments, name, *p.MaxLength)
		}
		if p.Pattern != "" {
			// ValidateSelf already checked the pattern compiles.
			re := regexp.MustCompile(p.Pattern)
			if !re.MatchString(sv) {
				return fmt.Errorf("%w: parameter %q does not match %q", ErrArguments, name, p.Pattern)
			}
		}
	case TypeNumber, TypeInteger:
		fv, ok := asFloat(v)
		if !ok {
			return typeMismatch(name, p.Type, v)
		}
		if p.Type == TypeInteger && fv != float64(int64(fv)) {
			return typeMismatch(name, p.Type, v)
		}
		if p.Minimum != nil && fv < *p.Minimum {
			return fmt.Errorf("%w: parameter %q below minimum %v", ErrArguments, name, *p.Minimum)
		}
		if p.Maximum != nil && fv > *p.Maximum {
			return fmt.Errorf("%w: parameter %q above maximum %v", ErrArguments, name, *p.Maximum)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return typeMismatch(name, p.Type, v)
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return typeMismatch(name, p.Type, v)
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return typeMismatch(name, p.Type, v)
		}
	}
	if len(p.Enum) > 0 {
		found := false
		for _, e := range p.Enum {
			if e == v {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: parameter %q not in enum", ErrArguments, name)
		}
	}
	return nil
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	for name, p := range s {
		cp := p
		if p.Enum != nil {
			cp.Enum = make([]any, len(p.Enum))
			copy(cp.Enum, p.Enum)
		}
		out[name] = cp
	}
	return out
}

func typeMismatch(name string, want ParamType, got any) error {
	return fmt.Errorf("%w: parameter %q expects %s, got %T", ErrArguments, name, want, got)
}

// JSON numbers decode as float64, but in-process callers frequently pass
// native integer types.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
