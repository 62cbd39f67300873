package parser_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/parser"
)

const sampleDocument = `
version: "1.0"
name: provision
description: provision a host and register it
type: direct
start-task: create
timeout: 600
parameters:
  - name: flavor
    default: small
  - name: image
    required: true
output:
  address: $.ip
tasks:
  create:
    action: std.http
    input:
      url: https://compute/create
      flavor: $.flavor
    publish:
      ip: <% .task.result.ip %>
    retry:
      count: 2
      delay: 5
      break-on: <% .task.result.code == 403 %>
    timeout: 120
    on-success:
      - register
    on-error:
      - cleanup
  register:
    action: std.echo
    wait-before: 1
    on-complete:
      - verify: $.ip != null
  verify:
    action: std.noop
    join: all
  cleanup:
    action: std.noop
`

func TestParse_FullDocument(t *testing.T) {
	spec, err := parser.Parse([]byte(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, "provision", spec.Name)
	assert.Equal(t, models.WorkflowTypeDirect, spec.Type)
	assert.Equal(t, "create", spec.StartTask)
	assert.Equal(t, 600, spec.Timeout)
	require.Len(t, spec.Parameters, 2)
	assert.Equal(t, "small", spec.Parameters[0].Default)
	assert.True(t, spec.Parameters[1].Required)

	create := spec.Tasks["create"]
	require.NotNil(t, create)
	assert.Equal(t, "create", create.Name)
	assert.Equal(t, "std.http", create.Action)
	require.NotNil(t, create.Retry)
	assert.Equal(t, 2, create.Retry.Count)
	assert.Equal(t, 5, create.Retry.Delay)
	assert.Equal(t, 120, create.Timeout)
	assert.Equal(t, []string{"register"}, create.OnSuccess.Tasks())
	assert.Equal(t, []string{"cleanup"}, create.OnError.Tasks())

	register := spec.Tasks["register"]
	require.NotNil(t, register)
	assert.Equal(t, 1, register.WaitBefore)
	require.Len(t, register.OnComplete, 1)
	assert.Equal(t, "verify", register.OnComplete[0].Task)
	assert.Equal(t, "$.ip != null", register.OnComplete[0].Condition)

	verify := spec.Tasks["verify"]
	require.NotNil(t, verify)
	require.NotNil(t, verify.Join)
	assert.True(t, verify.Join.All)
}

func TestParse_SerializeRoundTrip(t *testing.T) {
	spec, err := parser.Parse([]byte(sampleDocument))
	require.NoError(t, err)

	out, err := parser.Serialize(spec)
	require.NoError(t, err)

	reparsed, err := parser.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, spec, reparsed)
}

func TestParse_ReverseWorkflow(t *testing.T) {
	doc := `
version: "1.0"
name: build
type: reverse
tasks:
  fetch:
    action: std.noop
  compile:
    action: std.noop
    requires: [fetch]
  package:
    action: std.noop
    requires: [compile]
`
	spec, err := parser.Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowTypeReverse, spec.Type)
	assert.Equal(t, []string{"compile"}, spec.Tasks["package"].Requires)
}

func TestParse_Rejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not yaml", ":\n\t-"},
		{"missing version", "name: x\ntype: direct\nstart-task: a\ntasks:\n  a: {action: std.noop}\n"},
		{"bad type enum", "version: \"1.0\"\nname: x\ntype: diagonal\ntasks:\n  a: {action: std.noop}\n"},
		{"unknown top-level key", "version: \"1.0\"\nname: x\ntype: direct\nstart-task: a\nbogus: true\ntasks:\n  a: {action: std.noop}\n"},
		{"unknown task key", "version: \"1.0\"\nname: x\ntype: direct\nstart-task: a\ntasks:\n  a: {action: std.noop, frobnicate: 1}\n"},
		{"retry without count", "version: \"1.0\"\nname: x\ntype: direct\nstart-task: a\ntasks:\n  a: {action: std.noop, retry: {delay: 5}}\n"},
		{"join zero", "version: \"1.0\"\nname: x\ntype: direct\nstart-task: a\ntasks:\n  a: {action: std.noop, join: 0}\n"},
		{"empty tasks", "version: \"1.0\"\nname: x\ntype: direct\nstart-task: a\ntasks: {}\n"},
		{"undefined successor", "version: \"1.0\"\nname: x\ntype: direct\nstart-task: a\ntasks:\n  a: {action: std.noop, on-success: [ghost]}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parser.Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidModel), "expected ErrInvalidModel, got %v", err)
		})
	}
}

func TestSerialize_NilSpec(t *testing.T) {
	_, err := parser.Serialize(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidModel))
}
