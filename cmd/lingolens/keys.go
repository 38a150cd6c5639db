package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manash/lingolens/internal/keys"
)

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys and bot tokens",
		Long: fmt.Sprintf(`Store API keys so they do not have to be exported in every shell.

Keys are looked up in this order: --api-key flag, stored key, environment
variable. Providers: %s`, strings.Join(keys.Providers(), ", ")),
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider> <key>",
		Short: "Store a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysSet(app, args[0], args[1])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <provider>",
		Short: "Show where a key comes from (masked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysGet(app, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "delete <provider>",
		Aliases: []string{"rm"},
		Short:   "Remove a stored key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysDelete(app, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List providers with a stored key",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeysList(app)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the key file and config file locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Keys:   %s\n", store.Path())
			fmt.Fprintf(app.Out, "Config: %s\n", configPath())
			return nil
		},
	})
	return cmd
}

func runKeysSet(app *App, provider, key string) error {
	store, err := app.NewKeyStore()
	if err != nil {
		return err
	}
	if err := store.Set(provider, key); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Stored %s key %s\n", strings.ToLower(provider), keys.MaskKey(key))
	return nil
}

func runKeysGet(app *App, provider string) error {
	store, err := app.NewKeyStore()
	if err != nil {
		store = nil
	}
	key, source, err := store.Resolve("", provider)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "%s: %s (from %s)\n", strings.ToLower(provider), keys.MaskKey(key), source)
	return nil
}

func runKeysDelete(app *App, provider string) error {
	store, err := app.NewKeyStore()
	if err != nil {
		return err
	}
	if err := store.Delete(provider); err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			return fmt.Errorf("no stored key for %s", strings.ToLower(provider))
		}
		return err
	}
	fmt.Fprintf(app.Out, "Deleted %s key\n", strings.ToLower(provider))
	return nil
}

func runKeysList(app *App) error {
	store, err := app.NewKeyStore()
	if err != nil {
		return err
	}
	providers, err := store.List()
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		fmt.Fprintln(app.Out, "No stored keys.")
		return nil
	}
	for _, p := range providers {
		key, err := store.Get(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "  %-10s %s\n", p, keys.MaskKey(key))
	}
	return nil
}
