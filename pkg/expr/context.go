// Package expr is the data-flow evaluator: a deterministic, side-effect
// free expression language over the typed context tree of one workflow
// execution. Expressions are jq programs; the `$.` prefix of the workflow
// document syntax maps onto jq's root path.
package expr

import "encoding/json"

// Context is the tree of values an expression may observe: workflow input,
// names published by preceding tasks, and task-local data. Values are
// scalars, lists and maps; Set normalizes anything else through JSON.
type Context struct {
	data map[string]interface{}
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{data: map[string]interface{}{}}
}

// FromMap builds a context from m without sharing storage with it.
func FromMap(m map[string]interface{}) *Context {
	c := NewContext()
	c.MergeMap(m)
	return c
}

// Set writes a single name.
func (c *Context) Set(name string, value interface{}) {
	c.data[name] = normalize(value)
}

// Get reads a single top-level name.
func (c *Context) Get(name string) (interface{}, bool) {
	v, ok := c.data[name]
	return v, ok
}

// Delete removes a top-level name.
func (c *Context) Delete(name string) {
	delete(c.data, name)
}

// MergeMap writes every entry of m.
func (c *Context) MergeMap(m map[string]interface{}) {
	for k, v := range m {
		c.Set(k, v)
	}
}

// Snapshot returns an isolated copy of the tree.
func (c *Context) Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// WithTask derives a child context carrying task-local data under the
// reserved "task" name. The receiver is not modified.
func (c *Context) WithTask(result interface{}, state string) *Context {
	child := &Context{data: c.Snapshot()}
	child.Set("task", map[string]interface{}{
		"result": normalize(result),
		"state":  state,
	})
	return child
}

// WithItem derives a child context carrying a with-items loop variable.
func (c *Context) WithItem(item interface{}, index int) *Context {
	child := &Context{data: c.Snapshot()}
	child.Set("item", normalize(item))
	child.Set("item_index", index)
	return child
}

// normalize forces a value into the JSON type universe (nil, bool, float64,
// string, []interface{}, map[string]interface{}) so the evaluator sees a
// uniform tree regardless of the Go types callers hand in.
func normalize(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, string, float64, int:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
