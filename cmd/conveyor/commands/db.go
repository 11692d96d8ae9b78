package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// DbCmd groups database maintenance subcommands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database operations",
	Long: `Database maintenance operations.

Examples:
  conveyor db migrate        # Apply pending schema migrations`,
}

var dbDbFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbDbFlag, "db", "", "Database path (default from config)")
	DbCmd.AddCommand(dbMigrateCmd)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// openDatabase migrates as part of opening.
		database, err := openDatabase(dbDbFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Println("Database schema is up to date")
		return nil
	},
}
