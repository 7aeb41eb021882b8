package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/inspired27/aldidata/internal/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the aldidata configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	cyan.Println("Lines:")
	for _, l := range cfg.Lines {
		if l.Label != "" {
			fmt.Printf("  %s (%s)\n", l.Number, l.Label)
		} else {
			fmt.Printf("  %s\n", l.Number)
		}
	}

	if cfg.Portal.Username == "" || cfg.Portal.Password == "" {
		fmt.Println()
		yellow.Println("⚠️  WARNING: portal credentials are not set")
		fmt.Println("Set portal.username and portal.password (or the ALDIDATA_PORTAL_USERNAME")
		fmt.Println("and ALDIDATA_PORTAL_PASSWORD environment variables) before starting the server.")
	}

	return nil
}
