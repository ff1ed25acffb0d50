// Command genschema prints the JSON schema of the millsync config file, or
// writes it to the path given as the first argument.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kimhsiao/millsync/backend/internal/config"
)

func generate() ([]byte, error) {
	r := jsonschema.Reflector{
		// Property names follow the yaml tags; the toml tags are identical.
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
	}

	schema := r.Reflect(&config.Config{})
	schema.Title = "millsync configuration"
	schema.Description = "Configuration schema for millsync.yaml and millsync.toml"
	schema.ID = ""

	return json.MarshalIndent(schema, "", "  ")
}

func main() {
	data, err := generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 {
		if err := os.WriteFile(os.Args[1], data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Println(string(data))
}
