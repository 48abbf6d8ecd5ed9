package cli

import (
	"github.com/spf13/cobra"
)

// NewSchemaCommand creates a 'schema' command that prints a generated JSON
// Schema document.
func NewSchemaCommand(generate func() ([]byte, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Long: `Print the JSON Schema that bithost.yml and bithost.toml are validated against.
Editors with YAML language support can use it for completion.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := generate()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	}
}
