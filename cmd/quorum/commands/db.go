package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cohortnet/quorum/config"
	"github.com/cohortnet/quorum/db"
	"github.com/cohortnet/quorum/errors"
	"github.com/cohortnet/quorum/logger"
	"github.com/cohortnet/quorum/query"
)

var purgeUser string

// DBCmd groups local database operations.
var DBCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the quorum database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		conn, err := db.Open(cfg.Database.Path, logger.Get())
		if err != nil {
			return err
		}
		defer conn.Close()
		return db.Migrate(conn, logger.Get())
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show query context counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		conn, err := db.Open(cfg.Database.Path, nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		rows, err := conn.Query(`SELECT state, COUNT(*) FROM query_contexts GROUP BY state ORDER BY state`)
		if err != nil {
			return errors.Wrap(err, "failed to query stats")
		}
		defer rows.Close()

		for rows.Next() {
			var state string
			var count int64
			if err := rows.Scan(&state, &count); err != nil {
				return errors.Wrap(err, "failed to scan stats row")
			}
			fmt.Printf("%-10s %d\n", state, count)
		}
		return rows.Err()
	},
}

var dbPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all queries belonging to a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeUser == "" {
			return errors.New("--user is required")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		conn, err := db.Open(cfg.Database.Path, logger.Get())
		if err != nil {
			return err
		}
		defer conn.Close()

		store := query.NewStore(conn)
		n, err := store.DeleteByUser(purgeUser)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d federated queries for %s\n", n, purgeUser)
		return nil
	},
}

func init() {
	dbPurgeCmd.Flags().StringVar(&purgeUser, "user", "", "User id whose queries to delete")
	DBCmd.AddCommand(dbMigrateCmd)
	DBCmd.AddCommand(dbStatsCmd)
	DBCmd.AddCommand(dbPurgeCmd)
}
