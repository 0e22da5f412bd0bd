package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of the configuration file, for editor
// completion and CI checks.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			AllowAdditionalProperties:  false,
			RequiredFromJSONSchemaTags: true,
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t == reflect.TypeOf(time.Duration(0)) {
					return &jsonschema.Schema{Type: "string", Description: "Go duration, e.g. 30s or 5m"}
				}
				return nil
			},
		}
		schema := r.Reflect(&Config{})
		schema.Title = "conductor configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
