package expr

import (
	"strings"

	"github.com/itchyny/gojq"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/models"
)

// IsExpression reports whether raw is an expression string rather than a
// literal: either wrapped in `<% %>` or starting with the `$` root
// reference.
func IsExpression(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "<%") && strings.HasSuffix(trimmed, "%>") {
		return true
	}
	return trimmed == "$" || strings.HasPrefix(trimmed, "$.")
}

// program rewrites document syntax into a jq program: `<% ... %>` wrappers
// are stripped and `$`/`$.` root references become jq paths.
func program(raw string) string {
	p := strings.TrimSpace(raw)
	if strings.HasPrefix(p, "<%") && strings.HasSuffix(p, "%>") {
		p = strings.TrimSpace(p[2 : len(p)-2])
	}
	if p == "$" {
		return "."
	}
	return rewriteRoots(p)
}

// rewriteRoots turns `$.` root references into jq `.` paths, leaving string
// literals untouched so `<% "price: $.99" %>` survives verbatim.
func rewriteRoots(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	inString := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if inString {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(p) {
					i++
					b.WriteByte(p[i])
				}
			case '"':
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '$' && i+1 < len(p) && p[i+1] == '.':
			b.WriteByte('.')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Evaluate resolves value against ctx. Strings that look like expressions
// are evaluated; maps and lists are walked recursively; everything else
// passes through as a literal. A multi-result jq program yields its first
// result.
func Evaluate(value interface{}, ctx *Context) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !IsExpression(v) {
			return v, nil
		}
		return run(program(v), ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := Evaluate(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := Evaluate(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// EvaluateMap resolves every value of mapping; used for task input and
// publish mappings.
func EvaluateMap(mapping map[string]interface{}, ctx *Context) (map[string]interface{}, error) {
	if mapping == nil {
		return map[string]interface{}{}, nil
	}
	out, err := Evaluate(mapping, ctx)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// Match evaluates a successor or retry condition. The empty condition
// always matches; otherwise the expression result is tested for jq
// truthiness (everything except false and null).
func Match(condition string, ctx *Context) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	result, err := run(program(condition), ctx)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}

// Truthy reports jq truthiness: false and null are falsy, everything else
// is truthy.
func Truthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func run(prog string, ctx *Context) (interface{}, error) {
	query, err := gojq.Parse(prog)
	if err != nil {
		return nil, errors.Wrapf(models.ErrExpression, "parse %q: %v", prog, err)
	}
	iter := query.Run(ctx.Snapshot())
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if evalErr, isErr := v.(error); isErr {
		return nil, errors.Wrapf(models.ErrExpression, "evaluate %q: %v", prog, evalErr)
	}
	return v, nil
}
