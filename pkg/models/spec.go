package models

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WorkflowType selects how task edges are interpreted.
type WorkflowType string

const (
	// WorkflowTypeDirect walks explicit forward edges from start-task.
	WorkflowTypeDirect WorkflowType = "direct"
	// WorkflowTypeReverse interprets edges as dependencies and schedules
	// only the transitive closure of the requested output tasks.
	WorkflowTypeReverse WorkflowType = "reverse"
)

// ParameterSpec declares a typed workflow parameter.
type ParameterSpec struct {
	Name     string      `yaml:"name" json:"name"`
	Type     string      `yaml:"type,omitempty" json:"type,omitempty"`
	Default  interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Required bool        `yaml:"required,omitempty" json:"required,omitempty"`
}

// SuccessorSpec is one conditional successor: schedule Task when Condition
// evaluates truthy in the post-publish context. An empty condition always
// matches.
type SuccessorSpec struct {
	Task      string `json:"task"`
	Condition string `json:"condition,omitempty"`
}

// SuccessorList accepts the document forms `- task-name` and
// `- {task-name: condition}` and serializes back canonically.
type SuccessorList []SuccessorSpec

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *SuccessorList) UnmarshalYAML(node *yaml.Node) error {
	var raw []interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	out := make(SuccessorList, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, SuccessorSpec{Task: v})
		case map[string]interface{}:
			if len(v) != 1 {
				return errors.Wrapf(ErrInvalidModel, "successor entry must have exactly one key, got %d", len(v))
			}
			for task, cond := range v {
				condStr, ok := cond.(string)
				if !ok && cond != nil {
					return errors.Wrapf(ErrInvalidModel, "successor condition for %q must be a string", task)
				}
				out = append(out, SuccessorSpec{Task: task, Condition: condStr})
			}
		default:
			return errors.Wrapf(ErrInvalidModel, "unsupported successor entry type %T", item)
		}
	}
	*l = out
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (l SuccessorList) MarshalYAML() (interface{}, error) {
	out := make([]interface{}, 0, len(l))
	for _, s := range l {
		if s.Condition == "" {
			out = append(out, s.Task)
		} else {
			out = append(out, map[string]string{s.Task: s.Condition})
		}
	}
	return out, nil
}

// Tasks returns the successor task names.
func (l SuccessorList) Tasks() []string {
	names := make([]string, 0, len(l))
	for _, s := range l {
		names = append(names, s.Task)
	}
	return names
}

// JoinSpec is a synchronization barrier declaration: `all` requires every
// inbound task, an integer requires at least that many successful inbound
// tasks.
type JoinSpec struct {
	All   bool `json:"all,omitempty"`
	Count int  `json:"count,omitempty"`
}

// UnmarshalYAML accepts `join: all` and `join: N`.
func (j *JoinSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		if v != "all" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				j.Count = n
				return nil
			}
			return errors.Wrapf(ErrInvalidModel, "join must be 'all' or a positive integer, got %q", v)
		}
		j.All = true
	case int:
		if v <= 0 {
			return errors.Wrapf(ErrInvalidModel, "join count must be positive, got %d", v)
		}
		j.Count = v
	default:
		return errors.Wrapf(ErrInvalidModel, "unsupported join value type %T", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (j JoinSpec) MarshalYAML() (interface{}, error) {
	if j.All {
		return "all", nil
	}
	return j.Count, nil
}

// RetryPolicy controls re-execution of a failed task action.
type RetryPolicy struct {
	Count int `yaml:"count" json:"count"`
	// Delay is the wait between attempts, in seconds.
	Delay int `yaml:"delay,omitempty" json:"delay,omitempty"`
	// ContinueOn retries only while this condition holds over the failure
	// context; empty means retry on any failure.
	ContinueOn string `yaml:"continue-on,omitempty" json:"continue_on,omitempty"`
	// BreakOn aborts retrying as soon as this condition holds.
	BreakOn string `yaml:"break-on,omitempty" json:"break_on,omitempty"`
}

// TaskSpec is one node of the workflow graph. Exactly one of Action and
// Workflow must be set; Workflow references a nested workflow by name.
type TaskSpec struct {
	Name     string `yaml:"-" json:"name"`
	Action   string `yaml:"action,omitempty" json:"action,omitempty"`
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	Input     map[string]interface{} `yaml:"input,omitempty" json:"input,omitempty"`
	WithItems string                 `yaml:"with-items,omitempty" json:"with_items,omitempty"`
	Publish   map[string]interface{} `yaml:"publish,omitempty" json:"publish,omitempty"`

	Retry      *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	WaitBefore int          `yaml:"wait-before,omitempty" json:"wait_before,omitempty"`
	WaitAfter  int          `yaml:"wait-after,omitempty" json:"wait_after,omitempty"`
	Timeout    int          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Join       *JoinSpec    `yaml:"join,omitempty" json:"join,omitempty"`

	// Requires lists dependency tasks; only meaningful in reverse workflows.
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`

	OnComplete SuccessorList `yaml:"on-complete,omitempty" json:"on_complete,omitempty"`
	OnSuccess  SuccessorList `yaml:"on-success,omitempty" json:"on_success,omitempty"`
	OnError    SuccessorList `yaml:"on-error,omitempty" json:"on_error,omitempty"`
}

// IsSubWorkflow reports whether the task invokes a nested workflow instead
// of an action.
func (t *TaskSpec) IsSubWorkflow() bool {
	return t.Workflow != ""
}

// Successors returns every successor list of the task.
func (t *TaskSpec) Successors() []SuccessorList {
	return []SuccessorList{t.OnComplete, t.OnSuccess, t.OnError}
}

// WorkflowSpec is the immutable, validated representation of a workflow
// definition. Identity is (name, namespace, version); namespace is carried
// by the enclosing definition row, not the document.
type WorkflowSpec struct {
	Version     string       `yaml:"version" json:"version"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Type        WorkflowType `yaml:"type" json:"type"`
	StartTask   string       `yaml:"start-task,omitempty" json:"start_task,omitempty"`

	Parameters []ParameterSpec        `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Output     map[string]interface{} `yaml:"output,omitempty" json:"output,omitempty"`
	// Timeout bounds the whole execution, in seconds; zero means unbounded.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Tasks map[string]*TaskSpec `yaml:"tasks" json:"tasks"`

	OnTaskComplete SuccessorList `yaml:"on-task-complete,omitempty" json:"on_task_complete,omitempty"`
	OnTaskSuccess  SuccessorList `yaml:"on-task-success,omitempty" json:"on_task_success,omitempty"`
	OnTaskError    SuccessorList `yaml:"on-task-error,omitempty" json:"on_task_error,omitempty"`
}

// Validate enforces the cross-reference invariants the JSON schema cannot
// express. All violations wrap ErrInvalidModel.
func (s *WorkflowSpec) Validate() error {
	if s.Version == "" {
		return errors.Wrap(ErrInvalidModel, "'version' is required")
	}
	if s.Name == "" {
		return errors.Wrap(ErrInvalidModel, "'name' is required")
	}
	switch s.Type {
	case WorkflowTypeDirect, WorkflowTypeReverse:
	default:
		return errors.Wrapf(ErrInvalidModel, "'type' must be 'direct' or 'reverse', got %q", s.Type)
	}
	if len(s.Tasks) == 0 {
		return errors.Wrap(ErrInvalidModel, "'tasks' must define at least one task")
	}

	if s.Type == WorkflowTypeDirect {
		if s.StartTask == "" {
			return errors.Wrap(ErrInvalidModel, "direct workflow 'start-task' property is not defined")
		}
		if _, ok := s.Tasks[s.StartTask]; !ok {
			return errors.Wrapf(ErrInvalidModel, "'start-task' references undefined task %q", s.StartTask)
		}
	}

	for name, task := range s.Tasks {
		if task == nil {
			return errors.Wrapf(ErrInvalidModel, "task %q has no body", name)
		}
		task.Name = name
		if task.Action == "" && task.Workflow == "" {
			return errors.Wrapf(ErrInvalidModel, "task %q must reference an action or a workflow", name)
		}
		if task.Action != "" && task.Workflow != "" {
			return errors.Wrapf(ErrInvalidModel, "task %q references both an action and a workflow", name)
		}
		if task.Retry != nil && task.Retry.Count < 0 {
			return errors.Wrapf(ErrInvalidModel, "task %q retry count must not be negative", name)
		}
		if task.Join != nil && !task.Join.All && task.Join.Count <= 0 {
			return errors.Wrapf(ErrInvalidModel, "task %q join must be 'all' or a positive integer", name)
		}
		for _, list := range task.Successors() {
			for _, succ := range list {
				if _, ok := s.Tasks[succ.Task]; !ok {
					return errors.Wrapf(ErrInvalidModel, "task %q successor references undefined task %q", name, succ.Task)
				}
			}
		}
		for _, dep := range task.Requires {
			if _, ok := s.Tasks[dep]; !ok {
				return errors.Wrapf(ErrInvalidModel, "task %q requires undefined task %q", name, dep)
			}
		}
	}

	for _, list := range []SuccessorList{s.OnTaskComplete, s.OnTaskSuccess, s.OnTaskError} {
		for _, succ := range list {
			if _, ok := s.Tasks[succ.Task]; !ok {
				return errors.Wrapf(ErrInvalidModel, "workflow policy references undefined task %q", succ.Task)
			}
		}
	}

	for name, task := range s.Tasks {
		if task.Join != nil && len(s.InboundTasks(name)) == 0 {
			return errors.Wrapf(ErrInvalidModel, "join task %q has no inbound edges", name)
		}
	}

	return nil
}

// InboundTasks returns the names of tasks with an edge into name: tasks
// listing it as a successor (direct) or named in its requires (reverse).
func (s *WorkflowSpec) InboundTasks(name string) []string {
	seen := map[string]bool{}
	var inbound []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			inbound = append(inbound, n)
		}
	}
	if s.Type == WorkflowTypeReverse {
		if task, ok := s.Tasks[name]; ok {
			for _, dep := range task.Requires {
				add(dep)
			}
		}
		return inbound
	}
	for from, task := range s.Tasks {
		if from == name {
			continue
		}
		for _, list := range task.Successors() {
			for _, succ := range list {
				if succ.Task == name {
					add(from)
				}
			}
		}
	}
	return inbound
}

// DownstreamTasks returns every task transitively reachable from name via
// forward edges (successors for direct, reverse of requires for reverse),
// excluding name itself.
func (s *WorkflowSpec) DownstreamTasks(name string) []string {
	seen := map[string]bool{name: true}
	var order []string
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range s.outbound(current) {
			if !seen[next] {
				seen[next] = true
				order = append(order, next)
				queue = append(queue, next)
			}
		}
	}
	return order
}

func (s *WorkflowSpec) outbound(name string) []string {
	if s.Type == WorkflowTypeReverse {
		var out []string
		for other, task := range s.Tasks {
			for _, dep := range task.Requires {
				if dep == name {
					out = append(out, other)
				}
			}
		}
		return out
	}
	task, ok := s.Tasks[name]
	if !ok {
		return nil
	}
	var out []string
	for _, list := range task.Successors() {
		out = append(out, list.Tasks()...)
	}
	return out
}

// DependencyClosure returns the transitive dependency closure of targets in
// a reverse workflow: exactly the tasks required to produce them, targets
// included.
func (s *WorkflowSpec) DependencyClosure(targets []string) ([]string, error) {
	seen := map[string]bool{}
	var order []string
	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		task, ok := s.Tasks[name]
		if !ok {
			return errors.Wrapf(ErrInvalidModel, "target references undefined task %q", name)
		}
		seen[name] = true
		for _, dep := range task.Requires {
			if err := visit(dep); err != nil {
				return err
			}
		}
		order = append(order, name)
		return nil
	}
	for _, target := range targets {
		if err := visit(target); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// SinkTasks returns the tasks no other task depends on; the default target
// set for a reverse workflow started without explicit targets.
func (s *WorkflowSpec) SinkTasks() []string {
	required := map[string]bool{}
	for _, task := range s.Tasks {
		for _, dep := range task.Requires {
			required[dep] = true
		}
	}
	var sinks []string
	for name := range s.Tasks {
		if !required[name] {
			sinks = append(sinks, name)
		}
	}
	return sinks
}

// String implements fmt.Stringer.
func (s *WorkflowSpec) String() string {
	return fmt.Sprintf("workflow %s (%s, %d tasks)", s.Name, s.Type, len(s.Tasks))
}
