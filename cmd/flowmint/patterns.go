package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flowmint/flowmint/internal/remote"
)

func init() {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Fetch the detected patterns from the analysis service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			client := remote.New(cfg.Remote.BaseURL, cfg.Remote.Timeout, cfg.UserID)

			patterns, err := client.FetchPatterns(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch patterns: %w", err)
			}

			if asJSON {
				b, _ := json.MarshalIndent(patterns, "", "  ")
				fmt.Println(string(b))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFREQ\tCONFIDENCE\tSAVES (MIN)")
			for _, p := range patterns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f%%\t%d\n", p.ID, p.Name, p.Status, p.Frequency, p.Confidence*100, p.TimeSaved)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(cmd)
}
