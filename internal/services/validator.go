package services

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation can be used with errors.Is to detect input validation
// failures. Validation is a hard reject: nothing is read from the store
// before it passes.
var ErrValidation = errors.New("validation failed")

const generationInputSchema = `{
	"type": "object",
	"required": ["prompt", "delivery_email"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1, "maxLength": 4000},
		"orientation": {"type": "string", "enum": ["landscape", "portrait"]},
		"theme": {"type": "string", "enum": ["general", "hindu", "educational"]},
		"duration": {"type": "integer", "minimum": 1, "maximum": 10},
		"language": {"type": "string", "enum": ["hindi", "english"]},
		"speech_quality": {"type": "string", "enum": ["neural", "low-ai", "high-ai"]},
		"graphics_quality": {"type": "string", "enum": ["high", "low"]},
		"resolution": {"type": "string", "enum": ["360p", "SD", "HD", "360P", "sd", "hd"]},
		"delivery_email": {"type": "string", "minLength": 3, "maxLength": 320},
		"video_type": {"type": "string", "enum": ["avatar", "slideshow"]}
	}
}`

// Validator checks generation inputs against the request schema.
type Validator struct {
	input *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	schema, err := jsonschema.CompileString("https://inreelio.dev/schemas/generation.input", generationInputSchema)
	if err != nil {
		return nil, fmt.Errorf("compile generation input schema: %w", err)
	}
	return &Validator{input: schema}, nil
}

// ValidateGenerationInput hard-rejects malformed generation requests.
func (v *Validator) ValidateGenerationInput(raw json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := v.input.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
