package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(config.ModeStore); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration (postgres only)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ps, closeFn, err := postgresStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := ps.MigrateDown(ctx); err != nil {
			return eris.Wrap(err, "migrate down")
		}
		zap.L().Info("store migrations rolled back")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied migration version (postgres only)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ps, closeFn, err := postgresStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		version, dirty, err := ps.MigrationVersion(ctx)
		if err != nil {
			return eris.Wrap(err, "migrate version")
		}
		state := green("clean")
		if dirty {
			state = red("dirty")
		}
		fmt.Fprintf(os.Stdout, "version %d (%s)\n", version, state)
		return nil
	},
}

func postgresStore(cmd *cobra.Command) (*store.PostgresStore, func(), error) {
	if err := cfg.Validate(config.ModeStore); err != nil {
		return nil, nil, err
	}
	if cfg.Store.Driver != "postgres" {
		return nil, nil, eris.Errorf("%s requires the postgres driver, have %q", cmd.CommandPath(), cfg.Store.Driver)
	}
	ps, err := store.NewPostgres(cmd.Context(), cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return ps, func() { _ = ps.Close() }, nil
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
