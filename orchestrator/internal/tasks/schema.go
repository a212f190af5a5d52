package tasks

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed command.schema.json
var commandSchemaJSON string

var (
	commandSchemaOnce sync.Once
	commandSchema     *jsonschema.Schema
	commandSchemaErr  error
)

func compiledCommandSchema() (*jsonschema.Schema, error) {
	commandSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(commandSchemaJSON))
		if err != nil {
			commandSchemaErr = fmt.Errorf("unmarshal command schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("command.schema.json", doc); err != nil {
			commandSchemaErr = fmt.Errorf("add command schema: %w", err)
			return
		}
		commandSchema, commandSchemaErr = c.Compile("command.schema.json")
	})
	return commandSchema, commandSchemaErr
}

// ValidateCommandJSON checks a raw A2A request body against the command schema.
func ValidateCommandJSON(raw []byte) error {
	sch, err := compiledCommandSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return nil
}
