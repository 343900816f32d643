package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codeanatomy/codeanatomy/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file for this project",
	Long: `Create .codeanatomy/config.yaml in the current directory with the
default settings as a starting point. Credentials belong in
'anatomy configure' or environment variables, not in this file.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(".codeanatomy", "config.yaml")
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Next steps:")
	fmt.Println("  1. anatomy configure   (provider and API key)")
	fmt.Println("  2. anatomy analyze     (build this project's graph)")
	return nil
}
