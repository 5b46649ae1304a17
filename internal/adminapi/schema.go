package adminapi

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// createBotSchemaJSON constrains POST /v1/bots request bodies. Compiled
// once at Server construction the same way the teacher compiles a skill
// manifest schema (internal/skills/installer.go).
const createBotSchemaJSON = `{
  "type": "object",
  "required": ["name", "adapter_type", "capabilities"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "adapter_type": {"type": "string", "minLength": 1},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "configuration": {"type": "object"}
  }
}`

// argumentSchemas holds one compiled jsonschema.Schema per command_name,
// used to validate CommandRequest.arguments before dispatch (spec_full's
// "capability argument schema validation" supplement). A BotDefinition
// registers a schema for one of its capabilities by storing it under the
// configuration key "schema.<command_name>".
type argumentSchemas struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func newArgumentSchemas() *argumentSchemas {
	return &argumentSchemas{cache: make(map[string]*jsonschema.Schema)}
}

// compile parses and compiles schemaJSON once per (botID, commandName)
// pair, caching the result for subsequent dispatches of the same command.
func (a *argumentSchemas) compile(botID, commandName, schemaJSON string) (*jsonschema.Schema, error) {
	cacheKey := botID + "\x00" + commandName
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.cache[cacheKey]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("adminapi: unmarshal argument schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resourceName := cacheKey + ".json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("adminapi: add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("adminapi: compile argument schema: %w", err)
	}
	a.cache[cacheKey] = schema
	return schema, nil
}

// validateAgainstSchema validates raw against a compiled schema, using
// jsonschema.UnmarshalJSON for json.Number handling as the compiler
// requires.
func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(parsed)
}

func compileCreateBotSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createBotSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("adminapi: bad embedded create-bot schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("create_bot.json", doc); err != nil {
		panic(fmt.Sprintf("adminapi: add create-bot schema resource: %v", err))
	}
	schema, err := c.Compile("create_bot.json")
	if err != nil {
		panic(fmt.Sprintf("adminapi: compile create-bot schema: %v", err))
	}
	return schema
}
