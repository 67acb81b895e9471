package main

import (
	"fmt"

	"github.com/ArkLabsHQ/tidal/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "List the supported environment variables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		specs := config.EnvSpecs()
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			return printJSON(specs)
		}

		fmt.Println()
		for _, s := range specs {
			def := s.Default
			if def == "" {
				def = "-"
			}
			fmt.Printf("  %s %s\n", color.CyanString(s.FullName), color.HiBlackString("[%s, default %s]", s.Type, def))
			fmt.Printf("      %s\n", s.Description)
			if s.Notes != "" {
				fmt.Printf("      %s\n", color.HiBlackString(s.Notes))
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(envCmd)
}
