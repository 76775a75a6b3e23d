package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/config"
)

var keygenName string

// keygenCmd provisions a client profile from the command line so an
// extension can be paired without the HTTP API.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a client profile and print its key",
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenName, "name", "", "display name for the new profile")
	keygenCmd.MarkFlagRequired("name") //nolint:errcheck
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	st, err := openStore(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	profile, key, err := st.CreateProfile(cmd.Context(), keygenName)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}

	fmt.Printf("client_id:  %s\n", profile.ClientID)
	fmt.Printf("name:       %s\n", profile.Name)
	fmt.Printf("client_key: %s\n", key)
	fmt.Println()
	fmt.Println("Store the key now; it is not retrievable later.")
	return nil
}
