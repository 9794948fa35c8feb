package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a config.yaml populated with the engine defaults. Chain
addresses and the signing key are left empty and must be filled in
before the engine can run.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("config-dir", ".", "Directory to write config.yaml into")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	force, _ := cmd.Flags().GetBool("force")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.yaml")
	if !force && fileExists(path) {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	data, err := yaml.Marshal(starterConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Fill in the chain section (rpc_url, contract addresses, price feeds)")
	fmt.Println("  2. Export SEISAN_CHAIN_PRIVATE_KEY rather than putting the key on disk")
	fmt.Println("  3. Run 'seisan run --config " + path + "'")

	return nil
}

// starterConfig mirrors the defaults applied by config.Load so that a file
// written here loads back unchanged.
func starterConfig() map[string]interface{} {
	return map[string]interface{}{
		"log_level": "info",
		"chain": map[string]interface{}{
			"rpc_url":             "",
			"pool_address":        "",
			"liquidator_contract": "",
			"flash_lender":        "",
			"swap_router":         "",
			"price_feeds":         map[string]string{},
			"fallback_feeds":      map[string]string{},
		},
		"engine": map[string]interface{}{
			"tick_interval":          "15s",
			"price_move_trigger_pct": 0.5,
			"max_concurrency":        4,
			"replay_checkpoint":      0,
		},
		"oracle": map[string]interface{}{
			"cache_ttl":           "10s",
			"staleness_tolerance": "300s",
			"min_sources":         1,
			"retry_max_attempts":  3,
			"retry_base_delay":    "200ms",
			"retry_max_delay":     "5s",
		},
		"planner": map[string]interface{}{
			"target_health":       1.001,
			"slippage_tolerance":  0.005,
			"min_profit":          0.0,
			"flash_loan_fee_rate": 0.0009,
			"gas_cost_estimate":   15.0,
			"dust_threshold":      100.0,
			"enable_partial":      true,
		},
		"executor": map[string]interface{}{
			"plan_max_age":   "30s",
			"submit_timeout": "90s",
			"gas_limit":      1500000,
		},
		"audit": map[string]interface{}{
			"path": "./data/liquidations.db",
		},
		"metrics": map[string]interface{}{
			"enabled":     true,
			"listen_addr": ":9090",
		},
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
