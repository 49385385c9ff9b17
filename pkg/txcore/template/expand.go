package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// placeholderPattern matches {{name}} with optional inner whitespace.
	placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

	// wholePattern matches a string that is exactly one placeholder.
	wholePattern = regexp.MustCompile(`^\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}$`)
)

// MissingAction specifies how unresolved placeholders are handled.
type MissingAction int

const (
	// MissingKeep leaves the token in place.
	MissingKeep MissingAction = iota

	// MissingEmpty replaces the token with an empty string.
	MissingEmpty

	// MissingError reports the token as unresolved.
	MissingError
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithMissingAction sets how unresolved placeholders are handled.
func WithMissingAction(action MissingAction) Option {
	return func(r *Resolver) {
		r.missing = action
	}
}

// Resolver substitutes placeholders. It is safe for concurrent use.
type Resolver struct {
	missing MissingAction
}

// NewResolver creates a Resolver. The default action is MissingKeep.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{missing: MissingKeep}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UnresolvedError lists placeholders with no value.
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("unresolved placeholder: %s", e.Names[0])
	}
	return fmt.Sprintf("unresolved placeholders: %s", strings.Join(e.Names, ", "))
}

// SyntaxError reports a malformed placeholder.
type SyntaxError struct {
	Value string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed placeholder in %q", e.Value)
}

// Resolve returns a copy of v with placeholders substituted from vars.
func (r *Resolver) Resolve(v any, vars map[string]any) (any, error) {
	var missing []string
	out := r.resolve(v, vars, &missing)
	if len(missing) > 0 {
		return out, &UnresolvedError{Names: uniqueSorted(missing)}
	}
	return out, nil
}

// ResolveMap is Resolve for the common payload shape.
func (r *Resolver) ResolveMap(m map[string]any, vars map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := r.Resolve(m, vars)
	resolved, _ := out.(map[string]any)
	return resolved, err
}

func (r *Resolver) resolve(v any, vars map[string]any, missing *[]string) any {
	switch val := v.(type) {
	case string:
		return r.resolveString(val, vars, missing)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.resolve(item, vars, missing)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.resolve(item, vars, missing)
		}
		return out
	default:
		return v
	}
}

func (r *Resolver) resolveString(s string, vars map[string]any, missing *[]string) any {
	if m := wholePattern.FindStringSubmatch(s); m != nil {
		if val, ok := lookup(vars, m[1]); ok {
			return val
		}
		return r.onMissing(m[1], s, missing)
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if val, ok := lookup(vars, name); ok {
			return fmt.Sprintf("%v", val)
		}
		return fmt.Sprintf("%v", r.onMissing(name, token, missing))
	})
}

func (r *Resolver) onMissing(name, token string, missing *[]string) any {
	switch r.missing {
	case MissingEmpty:
		return ""
	case MissingError:
		*missing = append(*missing, name)
		return token
	default:
		return token
	}
}

// lookup resolves a possibly dotted name. An exact key match wins over
// traversal into nested maps.
func lookup(vars map[string]any, name string) (any, bool) {
	if val, ok := vars[name]; ok {
		return val, true
	}
	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Scan returns the sorted, de-duplicated placeholder names in v.
func Scan(v any) []string {
	var names []string
	walkStrings(v, func(s string) {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			names = append(names, m[1])
		}
	})
	return uniqueSorted(names)
}

// Check reports the first malformed placeholder in v: an opening "{{"
// that does not form a valid token.
func Check(v any) error {
	var err error
	walkStrings(v, func(s string) {
		if err != nil {
			return
		}
		stripped := placeholderPattern.ReplaceAllString(s, "")
		if strings.Contains(stripped, "{{") || strings.Contains(stripped, "}}") {
			err = &SyntaxError{Value: s}
		}
	})
	return err
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

var defaultResolver = NewResolver()

// Resolve substitutes placeholders in m using MissingKeep.
func Resolve(m map[string]any, vars map[string]any) map[string]any {
	out, _ := defaultResolver.ResolveMap(m, vars)
	return out
}
