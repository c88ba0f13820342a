package mptt

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMove indicates self-parenting, moving into a descendant or a parent cycle
	ErrInvalidMove = errors.New("mptt: invalid move")

	// ErrCantDisableUpdates indicates a schema that does not own the tree columns
	ErrCantDisableUpdates = errors.New("mptt: can't disable updates")

	// ErrCorruptTree indicates a tree that cannot be partially rebuilt
	ErrCorruptTree = errors.New("mptt: corrupt tree")

	// ErrInvalidPosition indicates an unknown position token
	ErrInvalidPosition = errors.New("mptt: invalid position")

	// ErrNodeNotFound indicates a node missing from the store
	ErrNodeNotFound = errors.New("mptt: node not found")

	// ErrNodeExists indicates an insert of an already stored node
	ErrNodeExists = errors.New("mptt: node already inserted")

	// ErrScopeClosed indicates use of an update scope after its callback returned
	ErrScopeClosed = errors.New("mptt: update scope closed")
)

// CorruptTreeError reports a tree id shared by more than one root
type CorruptTreeError struct {
	TreeID TreeID
	Roots  int64
}

func (e *CorruptTreeError) Error() string {
	return fmt.Sprintf("mptt: %d root nodes with tree_id %d, run a full rebuild", e.Roots, e.TreeID)
}

func (e *CorruptTreeError) Unwrap() error {
	return ErrCorruptTree
}
