package main

import (
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/assoctransport/crypto"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a static key pair for the encrypted mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		defer kp.Wipe()

		fmt.Fprintf(cmd.OutOrStdout(), "static_private_key: %s\n", hex.EncodeToString(kp.Private[:]))
		fmt.Fprintf(cmd.OutOrStdout(), "public_key: %s\n", kp.PublicHex())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
