// Package ctl implements nestedsetctl, the offline administration tool for
// node tables stored in SQLite
package ctl

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nainya/nestedset/internal/logger"
	"github.com/nainya/nestedset/pkg/mptt"
	"github.com/nainya/nestedset/pkg/sqlstore"
)

// GetRootCmd builds the command tree. It is exposed for tests.
func GetRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nestedsetctl",
		Short:         "Nested set table maintenance",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("db", "nestedset.db", "SQLite database path")
	pf.String("table", "nodes", "node table name")
	pf.StringSlice("extra-columns", nil, "caller columns stored with every node")
	pf.StringSlice("order-insertion-by", nil, "sibling order columns used by rebuilds, prefix - for descending")
	pf.Bool("unordered-roots", false, "tree ids are opaque and roots unordered")
	pf.String("log-level", "warn", "log level")

	rootCmd.AddCommand(
		NewInitCommand(),
		NewRebuildCommand(),
		NewPartialRebuildCommand(),
		NewCheckCommand(),
		NewMoveCommand(),
		NewDumpCommand(),
		NewReplayCommand(),
	)
	return rootCmd
}

// MainStart runs the tool with args and exits non-zero on failure
func MainStart(args []string) {
	rootCmd := GetRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

// env is what every subcommand needs
type env struct {
	db      *sql.DB
	schema  *mptt.Schema
	manager *mptt.Manager
	log     *logger.Logger
}

func (e *env) close() {
	e.db.Close()
}

func schemaFromFlags(cmd *cobra.Command) (*mptt.Schema, error) {
	flags := cmd.Flags()
	table, _ := flags.GetString("table")
	extra, _ := flags.GetStringSlice("extra-columns")
	order, _ := flags.GetStringSlice("order-insertion-by")
	unordered, _ := flags.GetBool("unordered-roots")

	s := mptt.NewSchema(table, extra...)
	s.RootOrdering = !unordered
	for _, col := range order {
		o := mptt.Order{Field: mptt.Field(col)}
		if len(col) > 1 && col[0] == '-' {
			o = mptt.Order{Field: mptt.Field(col[1:]), Desc: true}
		}
		s.OrderInsertionBy = append(s.OrderInsertionBy, o)
	}
	return s, s.Validate()
}

func openEnv(cmd *cobra.Command) (*env, error) {
	schema, err := schemaFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	level, _ := cmd.Flags().GetString("log-level")
	log := logger.NewLogger(logger.Config{Level: level, Pretty: true, Output: cmd.ErrOrStderr()})

	path, _ := cmd.Flags().GetString("db")
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := mptt.NewManager(sqlstore.New(db, schema), schema, mptt.WithLogger(log.TreeLogger(schema.Table)))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &env{db: db, schema: schema, manager: m, log: log}, nil
}

// inTx runs fn with a manager bound to one transaction
func (e *env) inTx(ctx context.Context, fn func(*mptt.Manager) error) error {
	return sqlstore.InTx(ctx, e.db, e.schema, func(s *sqlstore.Store) error {
		return fn(e.manager.WithStore(s))
	})
}

// withEnv adapts a handler that needs an open database to cobra's RunE
func withEnv(run func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		return run(cmd, e, args)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
