package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmint/flowmint/internal/forwarder"
)

func init() {
	var limit int

	dlCmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect actions that could not be delivered",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			dl, err := openDeadLetterFile()
			if err != nil {
				return err
			}
			defer dl.Close()

			letters, err := dl.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(letters, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum entries (0 = all)")

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Print how many actions are waiting for replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			dl, err := openDeadLetterFile()
			if err != nil {
				return err
			}
			defer dl.Close()

			n, err := dl.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}

	dlCmd.AddCommand(listCmd, countCmd)
	rootCmd.AddCommand(dlCmd)
}

// openDeadLetterFile opens the configured SQLite dead-letter store. The
// daemon replays it on its next start.
func openDeadLetterFile() (*forwarder.SQLiteDeadLetters, error) {
	cfg := loadConfig()
	if cfg.Forwarder.DeadLetterPath == "" {
		return nil, errors.New("no dead-letter file configured; set FLOWMINT_DATA_DIR or FLOWMINT_DEAD_LETTER_PATH")
	}
	return forwarder.OpenSQLiteDeadLetters(cfg.Forwarder.DeadLetterPath)
}
