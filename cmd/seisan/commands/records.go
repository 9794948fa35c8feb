package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/seisan/internal/audit"
	"github.com/shizukutanaka/seisan/internal/config"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Show the recorded liquidations for a borrower",
	Long: `Records reads the local audit trail and prints every confirmed
liquidation for the given borrower address, oldest first.`,
	RunE: runRecords,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.Flags().String("config", "config.yaml", "Configuration file path")
	recordsCmd.Flags().String("user", "", "Borrower address (required)")
	recordsCmd.MarkFlagRequired("user")
}

func runRecords(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	userHex, _ := cmd.Flags().GetString("user")

	if !common.IsHexAddress(userHex) {
		return fmt.Errorf("%q is not a valid address", userHex)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()

	records, err := store.ByUser(context.Background(), common.HexToAddress(userHex))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no liquidations recorded for %s\n", userHex)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPOOL\tTX\tDEBT REPAID\tCOLLATERAL SEIZED\tPROFIT")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.Format("2006-01-02 15:04:05"),
			rec.Ref.PoolID,
			rec.TxHash.Hex(),
			rec.DebtRepaid.StringFixed(4),
			rec.CollateralSeized.StringFixed(6),
			rec.Profit.StringFixed(4),
		)
	}
	return w.Flush()
}
