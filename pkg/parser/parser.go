// Package parser turns textual workflow documents into validated
// models.WorkflowSpec values and serializes them back canonically.
package parser

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/cascadehq/cascade/pkg/models"
)

// Parse validates document against the workflow schema, builds the spec and
// runs its cross-reference validation. All failures wrap ErrInvalidModel.
func Parse(document []byte) (*models.WorkflowSpec, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(document, &raw); err != nil {
		return nil, errors.Wrapf(models.ErrInvalidModel, "malformed document: %v", err)
	}
	if raw == nil {
		return nil, errors.Wrap(models.ErrInvalidModel, "empty document")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(workflowSchema),
		gojsonschema.NewGoLoader(raw),
	)
	if err != nil {
		return nil, errors.Wrapf(models.ErrInvalidModel, "schema validation: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, errors.Wrapf(models.ErrInvalidModel, "schema violations: %s", strings.Join(msgs, "; "))
	}

	spec := &models.WorkflowSpec{}
	if err := yaml.Unmarshal(document, spec); err != nil {
		return nil, errors.Wrapf(models.ErrInvalidModel, "decode spec: %v", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Serialize emits the canonical YAML form of a validated spec. The output
// parses back to an equivalent spec.
func Serialize(spec *models.WorkflowSpec) ([]byte, error) {
	if spec == nil {
		return nil, errors.Wrap(models.ErrInvalidModel, "nil spec")
	}
	out, err := yaml.Marshal(spec)
	if err != nil {
		return nil, errors.Wrap(err, "serialize spec")
	}
	return out, nil
}
