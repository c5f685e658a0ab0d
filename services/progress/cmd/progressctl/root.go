package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/edu-platform/internal/platform/config"
	"github.com/example/edu-platform/services/progress/internal/store"
	"github.com/example/edu-platform/services/progress/internal/tracker"
)

// env holds the viper instance shared by every subcommand. Flags override the
// environment.
type env struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "progressctl",
		Short:         "Operate the progress service database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(".")
			if err != nil {
				return err
			}
			v.SetDefault("DATABASE_DRIVER", "postgres")
			for key, flag := range map[string]string{
				"DATABASE_DRIVER": "driver",
				"DATABASE_URL":    "database-url",
				"JWT_SECRET":      "jwt-secret",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			e.v = v
			return nil
		},
	}
	root.PersistentFlags().String("driver", "", "Database driver: postgres or sqlite (overrides DATABASE_DRIVER)")
	root.PersistentFlags().String("database-url", "", "Database DSN (overrides DATABASE_URL)")
	root.PersistentFlags().String("jwt-secret", "", "HS256 secret for token (overrides JWT_SECRET)")

	root.AddCommand(
		newMigrateCmd(e),
		newSeedCmd(e),
		newResetCmd(e),
		newUnlockNextCmd(e),
		newStatusCmd(e),
		newTokenCmd(e),
	)
	return root
}

func (e *env) openStore(ctx context.Context) (store.Store, error) {
	dsn := strings.TrimSpace(e.v.GetString("DATABASE_URL"))
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	driver := strings.ToLower(strings.TrimSpace(e.v.GetString("DATABASE_DRIVER")))
	return store.Open(ctx, driver, dsn)
}

// withTracker opens the store and runs fn against an uncached tracker.
func (e *env) withTracker(ctx context.Context, fn func(tr *tracker.Tracker) error) error {
	st, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(tracker.New(st, nil, nil, tracker.Options{}))
}
