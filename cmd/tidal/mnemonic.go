package main

import (
	"fmt"

	"github.com/ArkLabsHQ/tidal/internal/infrastructure/evm"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var mnemonicCmd = &cobra.Command{
	Use:   "mnemonic",
	Short: "Generate a new mnemonic for the smart chain signer",
	Long: `Generate a new 24 words BIP-39 mnemonic and print the address of the
signer derived from it. Set it as TIDAL_MNEMONIC to use it.`,
	Args: cobra.NoArgs,
	RunE: runMnemonic,
}

func init() {
	rootCmd.AddCommand(mnemonicCmd)
}

func runMnemonic(cmd *cobra.Command, _ []string) error {
	mnemonic, err := evm.NewMnemonic()
	if err != nil {
		return err
	}
	signer, err := evm.SignerFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return printJSON(map[string]string{
			"mnemonic": mnemonic,
			"address":  signer.Address(),
		})
	}

	fmt.Printf("\n  Mnemonic: %s\n", color.YellowString(mnemonic))
	fmt.Printf("  Address:  %s\n\n", color.CyanString(signer.Address()))
	color.Red("  Write the mnemonic down, it is the only way to recover the funds.\n\n")
	return nil
}
