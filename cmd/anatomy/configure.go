package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codeanatomy/codeanatomy/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Interactive setup for provider and credentials",
	Long: `Walk through Code Anatomy configuration step by step: LLM provider,
API key and GitHub token. Secrets go to the OS keychain when one is
available; everything else lands in ~/.codeanatomy/config.yaml.`,
	RunE: runConfigure,
}

func runConfigure(cmd *cobra.Command, args []string) error {
	fmt.Println("🔧 Code Anatomy Configuration")
	fmt.Println(strings.Repeat("─", 40))
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	configPath := filepath.Join(homeDir, ".codeanatomy", "config.yaml")
	loaded, err := config.Load(configPath)
	if err != nil {
		loaded = config.Default()
	}

	km := config.NewKeyringManager()
	keychain := km.IsAvailable()
	if !keychain {
		fmt.Println("⚠️  OS keychain not available (headless system or Linux without libsecret).")
		fmt.Println("   Secrets will be stored in the config file instead.")
		fmt.Println()
	}

	// Step 1: LLM provider
	fmt.Println("Step 1/3: LLM provider")
	fmt.Printf("Available: %s\n", strings.Join(config.Providers(), ", "))
	current := loaded.LLM.Provider
	if current == "" {
		current = "openai"
	}
	fmt.Printf("Provider [%s]: ", current)
	line, _ := reader.ReadString('\n')
	if line = strings.TrimSpace(line); line != "" {
		loaded.LLM.Provider = strings.ToLower(line)
	} else {
		loaded.LLM.Provider = current
	}
	fmt.Println()

	// Step 2: API key
	fmt.Println("Step 2/3: API key")
	replace := true
	if info := km.GetAPIKeySource(loaded); info.Source != "none" {
		if loaded.LLM.APIKey != "" {
			fmt.Printf("Current: %s\n", config.MaskAPIKey(loaded.LLM.APIKey))
		}
		fmt.Printf("Source: %s\n", info.Recommended)
		fmt.Print("Replace it? (y/N): ")
		line, _ = reader.ReadString('\n')
		replace = strings.EqualFold(strings.TrimSpace(line), "y")
	} else if env := config.ProviderKeyEnv(loaded.LLM.Provider); env != "" {
		fmt.Printf("No key configured. You can also set %s instead of storing one.\n", env)
	}
	if replace {
		key, err := readSecret(fmt.Sprintf("Enter the %s API key: ", loaded.LLM.Provider))
		if err != nil {
			return err
		}
		switch {
		case key == "":
			fmt.Println("Skipped.")
		case keychain:
			if err := km.SaveAPIKey(key); err != nil {
				fmt.Printf("⚠️  Keychain save failed (%v); storing in the config file.\n", err)
				loaded.LLM.APIKey = key
				loaded.LLM.UseKeychain = false
			} else {
				fmt.Println("✅ API key saved to the OS keychain")
				loaded.LLM.APIKey = ""
				loaded.LLM.UseKeychain = true
			}
		default:
			loaded.LLM.APIKey = key
			loaded.LLM.UseKeychain = false
			fmt.Println("✅ API key saved to the config file (plaintext)")
		}
	}
	fmt.Println()

	// Step 3: GitHub token
	fmt.Println("Step 3/3: GitHub token (optional, raises the rate limit for --github analyses)")
	token, err := readSecret("Token (blank to skip): ")
	if err != nil {
		return err
	}
	if token != "" {
		if keychain {
			if err := km.SetGitHubToken(token); err != nil {
				fmt.Printf("⚠️  Keychain save failed (%v); storing in the config file.\n", err)
				loaded.GitHub.Token = token
			} else {
				fmt.Println("✅ GitHub token saved to the OS keychain")
			}
		} else {
			loaded.GitHub.Token = token
			fmt.Println("✅ GitHub token saved to the config file")
		}
	}
	fmt.Println()

	if err := loaded.Save(configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Configuration written to %s\n", configPath)
	fmt.Println("Run 'anatomy analyze' inside a project to build its graph.")
	return nil
}

// readSecret reads without echo on a terminal and falls back to plain
// line reading when input is piped.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
