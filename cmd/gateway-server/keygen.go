package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade-gateway/internal/store"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a caller API key and the values to store for it",
	Long: `Prints a new gwk_ key together with its bcrypt hash and lookup prefix.
Store the hash and prefix in the callers table; hand the key to the caller.
The key itself is not recoverable later.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, hash, prefix, err := store.GenerateAPIKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key:    %s\n", key)
		fmt.Fprintf(out, "prefix: %s\n", prefix)
		fmt.Fprintf(out, "hash:   %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
