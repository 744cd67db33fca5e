package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateStartJSONSchema produces a JSON Schema document for the start
// message sent to the pickle runner.
func GenerateStartJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Start{})
	s.ID = "https://github.com/ormasoftchile/cukerun/schemas/start.json"
	s.Title = "Pickle runner start message"
	s.Description = "First line written to the pickle runner's stdin"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal start schema: %w", err)
	}
	return data, nil
}

// GenerateCommandJSONSchema produces a JSON Schema document for commands
// read from the pickle runner's stdout.
func GenerateCommandJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Command{})
	s.ID = "https://github.com/ormasoftchile/cukerun/schemas/command.json"
	s.Title = "Pickle runner command"
	s.Description = "One line read from the pickle runner's stdout"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal command schema: %w", err)
	}
	return data, nil
}
