package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bal-adresse/publication-server/database"
	"github.com/bal-adresse/publication-server/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := migrateCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending database migrations to bring the schema up to date.
Connection parameters are read from the config file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrate(cmd, "apply migrations to", func(m database.Migrator) error {
			return m.Up()
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert database migrations",
	Long:  `Revert all applied database migrations. This is destructive.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrate(cmd, "revert all migrations on", func(m database.Migrator) error {
			return m.Down()
		})
	},
}

func runMigrate(cmd *cobra.Command, action string, run func(database.Migrator) error) error {
	setupLogging()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return err
	}

	if !yes {
		slog.Info(fmt.Sprintf("About to %s database", action),
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Database,
			"user", cfg.Database.User)
		fmt.Print("Continue? (yes/no): ")
		var response string
		if _, err := fmt.Scanln(&response); err != nil {
			return fmt.Errorf("failed to read user input: %w", err)
		}
		if response != "yes" && response != "y" {
			slog.Info("Migration cancelled by user")
			return nil
		}
	}

	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return err
	}
	if err := run(m); err != nil {
		if errors.Is(err, database.ErrNoChange) {
			slog.Info("Database schema already up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.GetVersion(connString)
	if err != nil {
		slog.Warn("Unable to get migration version", "error", err)
	} else if dirty {
		slog.Warn("Database is in a dirty state", "version", version)
	} else {
		slog.Info("Migrations applied successfully", "version", version)
	}

	return nil
}
