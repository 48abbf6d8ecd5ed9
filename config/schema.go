package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/grovetools/bithost/errors"
	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:generate go run ../tools/schema-generator -o ../bithost.schema.json

const schemaResource = "bithost.schema.json"

// GenerateSchema reflects Config into a JSON Schema. Unknown keys are
// rejected everywhere except inside the per-bit sections.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Inline every nested type so the schema reads top to bottom.
		DoNotReference: true,
		// Use YAML field names for property names
		FieldNameTag: "yaml",
		// Only fields tagged jsonschema:"required" are required.
		RequiredFromJSONSchemaTags: true,
	}

	schema := r.Reflect(&Config{})
	schema.Title = "bithost configuration"
	schema.Description = "Schema for bithost.yml and bithost.toml."

	return json.MarshalIndent(schema, "", "  ")
}

// SchemaValidator validates configuration documents against the generated schema.
type SchemaValidator struct {
	schema *jsonschemav5.Schema
}

var (
	validatorOnce sync.Once
	validator     *SchemaValidator
	validatorErr  error
)

// NewSchemaValidator returns the process-wide validator, compiling the
// schema on first use.
func NewSchemaValidator() (*SchemaValidator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = compileValidator()
	})
	return validator, validatorErr
}

func compileValidator() (*SchemaValidator, error) {
	data, err := GenerateSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema: %w", err)
	}

	compiler := jsonschemav5.NewCompiler()
	if err := compiler.AddResource(schemaResource, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate validates configuration data against the schema. configData may
// be a raw decoded document or any value that marshals to JSON.
func (v *SchemaValidator) Validate(configData interface{}) error {
	// Round-trip through JSON so YAML and TOML scalars become plain JSON types.
	jsonData, err := json.Marshal(configData)
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON for validation: %w", err)
	}

	var dataToValidate interface{}
	if err := json.Unmarshal(jsonData, &dataToValidate); err != nil {
		return fmt.Errorf("failed to unmarshal JSON for validation: %w", err)
	}
	if dataToValidate == nil {
		dataToValidate = map[string]interface{}{}
	}

	if err := v.schema.Validate(dataToValidate); err != nil {
		if validationErr, ok := err.(*jsonschemav5.ValidationError); ok {
			var errorMessages []string
			collectErrors(validationErr, &errorMessages)
			return fmt.Errorf("schema validation failed:\n%s", strings.Join(errorMessages, "\n"))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateSchema checks a raw configuration document and returns a
// CONFIG_VALIDATION error listing every violation.
func ValidateSchema(raw interface{}) error {
	v, err := NewSchemaValidator()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create validator")
	}
	if err := v.Validate(raw); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "configuration does not match schema")
	}
	return nil
}

// collectErrors recursively collects all validation errors into a slice
func collectErrors(err *jsonschemav5.ValidationError, messages *[]string) {
	if len(err.Causes) == 0 {
		location := err.InstanceLocation
		if location == "" {
			location = "/"
		}
		*messages = append(*messages, fmt.Sprintf("- %s: %s", location, err.Message))
	}
	for _, cause := range err.Causes {
		collectErrors(cause, messages)
	}
}
