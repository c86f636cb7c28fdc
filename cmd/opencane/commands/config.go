package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iflabx/opencane/pkg/opencane/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate opencane.yaml",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a config file without starting the runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfigPath)
		if err != nil {
			return &configError{err}
		}
		fmt.Printf("ok: %s listen_addr=%s store.backend=%s\n", flagConfigPath, cfg.HTTP.ListenAddr, cfg.Store.Backend)
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema for opencane.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Schema()
		if err != nil {
			return &configError{err}
		}
		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return &configError{err}
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configSchemaCmd)
	rootCmd.AddCommand(configCmd)
}
