// ABOUTME: Gap management for left/right values and tree ids
// ABOUTME: Inside an update scope gaps are only recorded, never written

package mptt

import (
	"context"
	"fmt"
)

// engine runs tree operations either immediately or inside a scope
type engine struct {
	*Manager
	scope *Scope
}

func (e *engine) deferred() bool {
	return e.scope != nil
}

func (e *engine) track(tree TreeID) {
	if e.scope != nil {
		e.scope.track(tree)
	}
}

// manageSpace shifts every left and right greater than target by size
func (e *engine) manageSpace(ctx context.Context, size, target int64, tree TreeID) error {
	if e.deferred() {
		e.track(tree)
		return nil
	}
	u := RangedUpdate{
		Set: []Assignment{
			{Field: FieldLeft, Cases: []When{{If: Where(Gt(FieldLeft, target)), Then: Shift(FieldLeft, size)}}},
			{Field: FieldRight, Cases: []When{{If: Where(Gt(FieldRight, target)), Then: Shift(FieldRight, size)}}},
		},
		Where: Where(Eq(FieldTreeID, int64(tree))).Or(Gt(FieldLeft, target), Gt(FieldRight, target)),
	}
	if _, err := e.store.ExecuteRangedUpdate(ctx, u); err != nil {
		return fmt.Errorf("manage space %d after %d in tree %d: %w", size, target, tree, err)
	}
	return nil
}

func (e *engine) createSpace(ctx context.Context, size, target int64, tree TreeID) error {
	return e.manageSpace(ctx, size, target, tree)
}

func (e *engine) closeGap(ctx context.Context, size, target int64, tree TreeID) error {
	return e.manageSpace(ctx, -size, target, tree)
}

// createTreeSpace frees n tree ids after target. Tree ids are opaque
// without root ordering so nothing moves.
func (e *engine) createTreeSpace(ctx context.Context, target TreeID, n int64) error {
	if !e.schema.RootOrdering {
		return nil
	}
	u := RangedUpdate{
		Set: []Assignment{{
			Field: FieldTreeID,
			Else:  exprPtr(Shift(FieldTreeID, n)),
		}},
		Where: Where(Gt(FieldTreeID, int64(target))),
	}
	if _, err := e.store.ExecuteRangedUpdate(ctx, u); err != nil {
		return fmt.Errorf("create tree space after %d: %w", target, err)
	}
	if e.scope != nil {
		e.scope.remapTracked(func(id TreeID) TreeID {
			if id > target {
				return id + TreeID(n)
			}
			return id
		})
	}
	return nil
}

// nextTreeID allocates the id of a new last tree
func (e *engine) nextTreeID(ctx context.Context) (TreeID, error) {
	if !e.schema.RootOrdering {
		return e.newTreeID()
	}
	id, err := e.store.NextTreeID(ctx)
	if err != nil {
		return 0, fmt.Errorf("next tree id: %w", err)
	}
	return id, nil
}

func exprPtr(x Expr) *Expr {
	return &x
}
