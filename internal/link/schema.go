package link

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pulsed/internal/record"
)

// ErrInvalidPayload wraps schema validation failures on ingested
// payloads.
var ErrInvalidPayload = errors.New("link: invalid payload")

// promptSchema is strict about the fields the core interprets and
// silent about everything else; unknown fields pass through and are
// preserved verbatim by the codec.
const promptSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "text", "timestamp"],
	"properties": {
		"id":            {"type": "string", "minLength": 1},
		"text":          {"type": "string"},
		"response":      {"type": "string"},
		"model":         {"type": "string"},
		"mode":          {"type": "string", "enum": ["auto", "manual", "unknown"]},
		"workspace":     {"type": "string"},
		"timestamp":     {"type": "integer", "minimum": 0},
		"session_id":    {"type": "string"},
		"context_usage": {"type": ["number", "null"]}
	}
}`

// terminalSchema validates terminal command payloads.
const terminalSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "command", "timestamp"],
	"properties": {
		"id":         {"type": "string", "minLength": 1},
		"command":    {"type": "string", "minLength": 1},
		"cwd":        {"type": "string"},
		"workspace":  {"type": "string"},
		"timestamp":  {"type": "integer", "minimum": 0},
		"session_id": {"type": "string"}
	}
}`

var (
	compiledPromptSchema   = jsonschema.MustCompileString("prompt.json", promptSchema)
	compiledTerminalSchema = jsonschema.MustCompileString("terminal.json", terminalSchema)
)

func validate(schema *jsonschema.Schema, payload []byte) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, flattenValidation(ve))
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// flattenValidation renders the leaf causes of a validation error as a
// single line suitable for an HTTP error body.
func flattenValidation(ve *jsonschema.ValidationError) string {
	leaves := ve.BasicOutput().Errors
	var parts []string
	for _, l := range leaves {
		if l.Error == "" || strings.HasPrefix(l.Error, "doesn't validate with") {
			continue
		}
		loc := l.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", loc, l.Error))
	}
	if len(parts) == 0 {
		return ve.Message
	}
	return strings.Join(parts, "; ")
}

// ValidatePrompt checks payload against the prompt schema and decodes
// it, preserving unknown fields.
func ValidatePrompt(payload []byte) (*record.Prompt, error) {
	if err := validate(compiledPromptSchema, payload); err != nil {
		return nil, err
	}
	var p record.Prompt
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

// ValidateTerminal checks payload against the terminal schema and
// decodes it.
func ValidateTerminal(payload []byte) (*record.TerminalCommand, error) {
	if err := validate(compiledTerminalSchema, payload); err != nil {
		return nil, err
	}
	var t record.TerminalCommand
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &t, nil
}
