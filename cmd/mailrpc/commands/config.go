package commands

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/nhle/mailrpc/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write persistent settings",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a setting, or its default when unset",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting; the value is parsed as JSON, else kept as a string",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configRmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Remove a setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigRm,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every setting with defaults filled in",
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every setting",
	Args:  cobra.NoArgs,
	RunE:  runConfigReset,
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configRmCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configResetCmd)
}

// withSettings opens the settings store without starting the controller.
func withSettings(f func(*config.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return f(config.NewStore(db))
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	return withSettings(func(s *config.Store) error {
		v, err := s.Get(cmd.Context(), config.Local, args[0], true)
		if err != nil {
			return err
		}
		if v.IsNone() {
			return fmt.Errorf("%s is not set", args[0])
		}
		return printJSON(cmd, v.UnwrapOr(nil))
	})
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	var value any
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		value = args[1]
	}

	return withSettings(func(s *config.Store) error {
		return s.Set(cmd.Context(), config.Local, args[0], value)
	})
}

func runConfigRm(cmd *cobra.Command, args []string) error {
	return withSettings(func(s *config.Store) error {
		return s.Remove(cmd.Context(), config.Local, args[0])
	})
}

func runConfigList(cmd *cobra.Command, args []string) error {
	return withSettings(func(s *config.Store) error {
		all, err := s.GetAll(cmd.Context(), config.Local, true)
		if err != nil {
			return err
		}

		keys, err := s.Keys(config.Local)
		if err != nil {
			return err
		}
		slices.Sort(keys)
		for _, k := range keys {
			v, ok := all[k]
			if !ok {
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, b)
		}
		return nil
	})
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	return withSettings(func(s *config.Store) error {
		return s.Reset(cmd.Context(), config.Local)
	})
}
