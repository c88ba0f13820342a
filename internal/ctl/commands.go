package ctl

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nainya/nestedset/pkg/journal"
	"github.com/nainya/nestedset/pkg/mptt"
	"github.com/nainya/nestedset/pkg/sqlstore"
)

// NewInitCommand creates the node table and its indexes
func NewInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create the node table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			if err := sqlstore.CreateTable(cmd.Context(), e.db, e.schema); err != nil {
				return err
			}
			cmd.Printf("table %s ready\n", e.schema.Table)
			return nil
		}),
	}
}

// NewRebuildCommand recomputes trees from parent pointers
func NewRebuildCommand() *cobra.Command {
	var (
		trees []int64
		base  int64
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "recompute tree columns from parent pointers, every node by default",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			opts := []mptt.RebuildOption{mptt.RebuildBase(mptt.TreeID(base))}
			if len(trees) > 0 {
				opts = append(opts, mptt.RebuildWhere(mptt.Where(mptt.In(mptt.FieldTreeID, trees...))))
			}
			if err := e.inTx(cmd.Context(), func(m *mptt.Manager) error { return m.Rebuild(cmd.Context(), opts...) }); err != nil {
				return err
			}
			cmd.Println("rebuild complete")
			return nil
		}),
	}
	cmd.Flags().Int64SliceVar(&trees, "trees", nil, "only rebuild nodes currently in these tree ids")
	cmd.Flags().Int64Var(&base, "base", 1, "tree id of the first rebuilt root")
	return cmd
}

// NewPartialRebuildCommand recomputes one tree
func NewPartialRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "partial-rebuild <tree-id>",
		Short: "recompute tree columns of a single tree",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			tree, err := parseID(args[0])
			if err != nil {
				return err
			}
			err = e.inTx(cmd.Context(), func(m *mptt.Manager) error {
				return m.PartialRebuild(cmd.Context(), mptt.TreeID(tree))
			})
			if err != nil {
				return err
			}
			cmd.Printf("tree %d rebuilt\n", tree)
			return nil
		}),
	}
}

// NewCheckCommand reports invariant violations
func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [tree-id...]",
		Short: "verify nested set invariants, all trees by default",
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			trees := make([]mptt.TreeID, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				trees = append(trees, mptt.TreeID(id))
			}
			violations, err := e.manager.Check(cmd.Context(), trees...)
			if err != nil {
				return err
			}
			for _, v := range violations {
				cmd.Println(v.String())
			}
			if len(violations) > 0 {
				return fmt.Errorf("%d violations found", len(violations))
			}
			cmd.Println("ok")
			return nil
		}),
	}
}

// NewMoveCommand moves a node relative to a target
func NewMoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move <node-id> <target-id|root>",
		Short: "move a node and its subtree",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var targetID int64
			if args[1] != "root" {
				if targetID, err = parseID(args[1]); err != nil {
					return err
				}
			}
			posName, _ := cmd.Flags().GetString("position")
			pos, err := mptt.ParsePosition(posName)
			if err != nil {
				return err
			}

			var node *mptt.Node
			err = e.inTx(cmd.Context(), func(m *mptt.Manager) error {
				if node, err = m.Get(cmd.Context(), mptt.NodeID(id)); err != nil {
					return err
				}
				var target *mptt.Node
				if targetID != 0 {
					if target, err = m.Get(cmd.Context(), mptt.NodeID(targetID)); err != nil {
						return err
					}
				}
				return m.MoveNode(cmd.Context(), node, target, pos)
			})
			if err != nil {
				return err
			}
			cmd.Println(node.String())
			return nil
		}),
	}
	cmd.Flags().StringP("position", "p", string(mptt.PosLastChild), "first-child, last-child, left or right")
	return cmd
}

// NewDumpCommand prints trees as an indented outline
func NewDumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "print trees as an indented outline",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			label, _ := cmd.Flags().GetString("label")
			tree, _ := cmd.Flags().GetInt64("tree")
			q := mptt.Query{}
			if tree > 0 {
				q.Where = mptt.Where(mptt.Eq(mptt.FieldTreeID, tree))
			}
			nodes, err := e.manager.Store().QueryFilter(cmd.Context(), q)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				name := fmt.Sprint(n.ID)
				if v, ok := n.Fields[label]; ok && v != nil {
					name = fmt.Sprintf("%s", v)
				}
				cmd.Printf("%s%s [tree=%d %d-%d]\n", strings.Repeat("  ", int(n.Level)), name, n.TreeID, n.Left, n.Right)
			}
			return nil
		}),
	}
	cmd.Flags().String("label", "name", "column printed for each node, falls back to the id")
	cmd.Flags().Int64("tree", 0, "only this tree")
	return cmd
}

// NewReplayCommand re-applies committed journal batches to the database
func NewReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <journal-path>",
		Short: "re-apply committed journal batches recorded after the last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			j, err := journal.Open(args[0])
			if err != nil {
				return err
			}
			defer j.Close()

			var stats *journal.ReplayStats
			err = sqlstore.InTx(cmd.Context(), e.db, e.schema, func(s *sqlstore.Store) error {
				stats, err = journal.Replay(cmd.Context(), j, e.schema.Table, s)
				return err
			})
			if err != nil {
				return err
			}
			cmd.Printf("replayed %d writes from %d batches (%d abandoned, %d torn tails)\n",
				stats.ReplayedWrites, stats.CommittedBatches, stats.AbandonedBatches, stats.SkippedTails)
			return nil
		}),
	}
	return cmd
}
