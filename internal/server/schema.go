package server

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var predictSchemaJSON string

const predictSchemaURL = "imagecheck://predict-response.json"

func compilePredictSchema() (*jsonschema.Schema, error) {
	sch, err := jsonschema.CompileString(predictSchemaURL, predictSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return sch, nil
}

// checkResponse validates v against the /predict response schema.
func checkResponse(sch *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return sch.Validate(doc)
}
