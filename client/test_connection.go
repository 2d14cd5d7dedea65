package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gammadia/nomadcloud/client/ui"
	"github.com/gammadia/nomadcloud/server/api"
)

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection [PROVIDER]",
	Short: "Test the connection of a provider to its Nomad cluster",
	Long:  "Test the connection of a configured provider, or of a provider definition read from a YAML file with --file.",
	Args:  cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		file := lo.Must(cmd.Flags().GetString("file"))
		if (file == "") == (len(args) == 0) {
			return errors.New("either a provider name or --file is required")
		}

		var result api.TestResult
		var err error
		spinner := ui.NewSpinner("Testing connection")
		if file != "" {
			var definition []byte
			if definition, err = os.ReadFile(file); err != nil {
				spinner.Fail()
				return fmt.Errorf("failed to read provider definition: %w", err)
			}
			result, err = client.TestDefinition(cmd.Context(), definition)
		} else {
			result, err = client.TestProvider(cmd.Context(), args[0])
		}
		if err != nil {
			spinner.Fail()
			return err
		}

		if !result.OK {
			spinner.Fail()
			return errors.New(result.Message)
		}
		spinner.Success(result.Message)
		return nil
	},
}

func init() {
	testConnectionCmd.Flags().StringP("file", "f", "", "YAML provider definition to test")
}
