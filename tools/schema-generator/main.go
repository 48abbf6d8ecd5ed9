// Command schema-generator writes the configuration JSON Schema to disk so
// editors can validate bithost.yml without a running binary.
package main

import (
	"os"
	"path/filepath"

	"github.com/grovetools/bithost/config"
	"github.com/grovetools/bithost/logging"
	"github.com/spf13/pflag"
)

func main() {
	out := pflag.StringP("out", "o", "bithost.schema.json", "Where to write the schema")
	pflag.Parse()

	log := logging.New(logging.Config{Format: logging.FormatConfig{Preset: "simple"}}, "schema-generator")

	schemaBytes, err := config.GenerateSchema()
	if err != nil {
		log.Fatalf("Error generating schema: %v", err)
	}

	if dir := filepath.Dir(*out); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Error creating schema directory: %v", err)
		}
	}

	if err := os.WriteFile(*out, append(schemaBytes, '\n'), 0644); err != nil {
		log.Fatalf("Error writing schema file: %v", err)
	}

	log.Infof("Generated schema at %s", *out)
}
