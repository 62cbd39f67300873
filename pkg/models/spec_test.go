package models_test

import (
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cascadehq/cascade/pkg/models"
)

func directSpec() *models.WorkflowSpec {
	return &models.WorkflowSpec{
		Version:   "1.0",
		Name:      "pipeline",
		Type:      models.WorkflowTypeDirect,
		StartTask: "a",
		Tasks: map[string]*models.TaskSpec{
			"a": {Action: "std.noop", OnSuccess: models.SuccessorList{{Task: "b"}, {Task: "c"}}},
			"b": {Action: "std.noop", OnSuccess: models.SuccessorList{{Task: "d"}}},
			"c": {Action: "std.noop", OnSuccess: models.SuccessorList{{Task: "d"}}},
			"d": {Action: "std.noop", Join: &models.JoinSpec{All: true}},
		},
	}
}

func reverseSpec() *models.WorkflowSpec {
	return &models.WorkflowSpec{
		Version: "1.0",
		Name:    "deps",
		Type:    models.WorkflowTypeReverse,
		Tasks: map[string]*models.TaskSpec{
			"base":   {Action: "std.noop"},
			"mid":    {Action: "std.noop", Requires: []string{"base"}},
			"extra":  {Action: "std.noop", Requires: []string{"base"}},
			"target": {Action: "std.noop", Requires: []string{"mid"}},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, directSpec().Validate())
	require.NoError(t, reverseSpec().Validate())
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(s *models.WorkflowSpec)
	}{
		{"missing version", func(s *models.WorkflowSpec) { s.Version = "" }},
		{"missing name", func(s *models.WorkflowSpec) { s.Name = "" }},
		{"bad type", func(s *models.WorkflowSpec) { s.Type = "sideways" }},
		{"no tasks", func(s *models.WorkflowSpec) { s.Tasks = nil }},
		{"missing start task", func(s *models.WorkflowSpec) { s.StartTask = "" }},
		{"undefined start task", func(s *models.WorkflowSpec) { s.StartTask = "nope" }},
		{"undefined successor", func(s *models.WorkflowSpec) {
			s.Tasks["a"].OnSuccess = models.SuccessorList{{Task: "nope"}}
		}},
		{"action and workflow", func(s *models.WorkflowSpec) {
			s.Tasks["a"].Workflow = "child"
		}},
		{"neither action nor workflow", func(s *models.WorkflowSpec) {
			s.Tasks["a"].Action = ""
		}},
		{"negative retry count", func(s *models.WorkflowSpec) {
			s.Tasks["a"].Retry = &models.RetryPolicy{Count: -1}
		}},
		{"join without inbound edges", func(s *models.WorkflowSpec) {
			s.Tasks["a"].Join = &models.JoinSpec{All: true}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := directSpec()
			tc.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidModel), "expected ErrInvalidModel, got %v", err)
		})
	}
}

func TestValidate_UndefinedRequires(t *testing.T) {
	s := reverseSpec()
	s.Tasks["mid"].Requires = []string{"ghost"}
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidModel))
}

func TestInboundTasks(t *testing.T) {
	s := directSpec()
	require.NoError(t, s.Validate())

	inbound := s.InboundTasks("d")
	sort.Strings(inbound)
	assert.Equal(t, []string{"b", "c"}, inbound)
	assert.Empty(t, s.InboundTasks("a"))

	r := reverseSpec()
	require.NoError(t, r.Validate())
	assert.Equal(t, []string{"mid"}, r.InboundTasks("target"))
	assert.Empty(t, r.InboundTasks("base"))
}

func TestDownstreamTasks(t *testing.T) {
	s := directSpec()
	require.NoError(t, s.Validate())

	down := s.DownstreamTasks("a")
	sort.Strings(down)
	assert.Equal(t, []string{"b", "c", "d"}, down)
	assert.Equal(t, []string{"d"}, s.DownstreamTasks("b"))
	assert.Empty(t, s.DownstreamTasks("d"))

	r := reverseSpec()
	require.NoError(t, r.Validate())
	down = r.DownstreamTasks("base")
	sort.Strings(down)
	assert.Equal(t, []string{"extra", "mid", "target"}, down)
}

func TestDependencyClosure(t *testing.T) {
	r := reverseSpec()
	require.NoError(t, r.Validate())

	closure, err := r.DependencyClosure([]string{"target"})
	require.NoError(t, err)
	// Dependencies come before their dependents; "extra" is not needed.
	assert.Equal(t, []string{"base", "mid", "target"}, closure)

	_, err = r.DependencyClosure([]string{"ghost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidModel))
}

func TestSinkTasks(t *testing.T) {
	r := reverseSpec()
	sinks := r.SinkTasks()
	sort.Strings(sinks)
	assert.Equal(t, []string{"extra", "target"}, sinks)
}

func TestSuccessorList_YAMLForms(t *testing.T) {
	var list models.SuccessorList
	doc := "- plain-task\n- cond-task: $.count > 0\n"
	require.NoError(t, yaml.Unmarshal([]byte(doc), &list))
	require.Len(t, list, 2)
	assert.Equal(t, models.SuccessorSpec{Task: "plain-task"}, list[0])
	assert.Equal(t, models.SuccessorSpec{Task: "cond-task", Condition: "$.count > 0"}, list[1])

	out, err := yaml.Marshal(list)
	require.NoError(t, err)
	var reparsed models.SuccessorList
	require.NoError(t, yaml.Unmarshal(out, &reparsed))
	assert.Equal(t, list, reparsed)
}

func TestJoinSpec_YAMLForms(t *testing.T) {
	var j models.JoinSpec
	require.NoError(t, yaml.Unmarshal([]byte("all"), &j))
	assert.True(t, j.All)

	var n models.JoinSpec
	require.NoError(t, yaml.Unmarshal([]byte("2"), &n))
	assert.Equal(t, 2, n.Count)
	assert.False(t, n.All)

	var bad models.JoinSpec
	err := yaml.Unmarshal([]byte("\"some\""), &bad)
	require.Error(t, err)

	var zero models.JoinSpec
	require.Error(t, yaml.Unmarshal([]byte("0"), &zero))
}
