package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/mattjoyce/motionhost/internal/code"
)

// maxEvalSteps bounds the work a single expression may do.
const maxEvalSteps = 100000

// FieldSource publishes object model fields keyed by dotted paths such as
// "move.x". Values are bool, int, int64, float64, string or slices of them.
type FieldSource interface {
	Fields() map[string]any
}

// FieldEvaluator resolves {...} expressions against the fields of its
// sources. Expressions are Starlark expressions; dotted field paths are
// reachable as attributes, e.g. {move.x + 10}.
type FieldEvaluator struct {
	mu      sync.RWMutex
	sources []FieldSource
}

// NewFieldEvaluator returns an evaluator reading the given sources. Later
// sources win when two publish the same path.
func NewFieldEvaluator(sources ...FieldSource) *FieldEvaluator {
	return &FieldEvaluator{sources: sources}
}

// AddSource registers another field source.
func (e *FieldEvaluator) AddSource(s FieldSource) {
	e.mu.Lock()
	e.sources = append(e.sources, s)
	e.mu.Unlock()
}

// Fields merges the fields of every source.
func (e *FieldEvaluator) Fields() map[string]any {
	e.mu.RLock()
	sources := append([]FieldSource(nil), e.sources...)
	e.mu.RUnlock()

	out := make(map[string]any)
	for _, s := range sources {
		for k, v := range s.Fields() {
			out[k] = v
		}
	}
	return out
}

// Evaluate replaces every expression parameter of c by its value.
func (e *FieldEvaluator) Evaluate(ctx context.Context, c *code.Code) error {
	var env starlark.StringDict
	for i := range c.Params {
		p := &c.Params[i]
		if !p.IsExpression {
			continue
		}
		if env == nil {
			var err error
			if env, err = buildEnv(e.Fields()); err != nil {
				return err
			}
		}
		src := strings.TrimSuffix(strings.TrimPrefix(p.Value, "{"), "}")
		v, err := eval(ctx, src, env)
		if err != nil {
			return fmt.Errorf("parameter %c: %w", p.Letter, err)
		}
		p.IsExpression = false
		if s, ok := starlark.AsString(v); ok {
			p.Value, p.IsString = s, true
		} else {
			p.Value = v.String()
		}
	}
	return nil
}

// Echo evaluates a comma separated expression list and joins the values
// with spaces, the way the echo keyword prints them.
func (e *FieldEvaluator) Echo(ctx context.Context, args string) (string, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", nil
	}
	env, err := buildEnv(e.Fields())
	if err != nil {
		return "", err
	}
	v, err := eval(ctx, "("+args+",)", env)
	if err != nil {
		return "", err
	}
	tuple, ok := v.(starlark.Tuple)
	if !ok {
		return "", fmt.Errorf("echo: unexpected value %s", v.Type())
	}
	parts := make([]string, len(tuple))
	for i, item := range tuple {
		if s, ok := starlark.AsString(item); ok {
			parts[i] = s
		} else {
			parts[i] = item.String()
		}
	}
	return strings.Join(parts, " "), nil
}

func eval(ctx context.Context, src string, env starlark.StringDict) (starlark.Value, error) {
	thread := &starlark.Thread{Name: "expression"}
	thread.SetMaxExecutionSteps(maxEvalSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel("context done") })
	defer stop()

	v, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, "expression", src, env)
	if err != nil {
		if ctx.Err() != nil {
			return nil, code.ErrCancelled
		}
		return nil, fmt.Errorf("evaluate %q: %w", src, err)
	}
	return v, nil
}

// node is one level of the dotted field tree.
type node struct {
	value    any
	hasValue bool
	children map[string]*node
}

// buildEnv turns dotted field paths into nested Starlark structs.
func buildEnv(fields map[string]any) (starlark.StringDict, error) {
	root := &node{children: map[string]*node{}}
	paths := make([]string, 0, len(fields))
	for k := range fields {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	for _, path := range paths {
		n := root
		for _, part := range strings.Split(path, ".") {
			next, ok := n.children[part]
			if !ok {
				next = &node{children: map[string]*node{}}
				n.children[part] = next
			}
			n = next
		}
		n.value, n.hasValue = fields[path], true
	}

	env := make(starlark.StringDict, len(root.children))
	for name, child := range root.children {
		v, err := child.starlark(name)
		if err != nil {
			return nil, err
		}
		env[name] = v
	}
	return env, nil
}

func (n *node) starlark(path string) (starlark.Value, error) {
	if len(n.children) == 0 {
		return toStarlark(path, n.value)
	}
	if n.hasValue {
		return nil, fmt.Errorf("field %s is both a value and an object", path)
	}
	dict := make(starlark.StringDict, len(n.children))
	for name, child := range n.children {
		v, err := child.starlark(path + "." + name)
		if err != nil {
			return nil, err
		}
		dict[name] = v
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, dict), nil
}

func toStarlark(path string, v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []float64:
		items := make([]starlark.Value, len(v))
		for i, f := range v {
			items[i] = starlark.Float(f)
		}
		return starlark.NewList(items), nil
	case []string:
		items := make([]starlark.Value, len(v))
		for i, s := range v {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []int:
		items := make([]starlark.Value, len(v))
		for i, n := range v {
			items[i] = starlark.MakeInt(n)
		}
		return starlark.NewList(items), nil
	default:
		return nil, fmt.Errorf("field %s: unsupported type %T", path, v)
	}
}
