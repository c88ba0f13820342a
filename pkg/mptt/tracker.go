// ABOUTME: Update scopes that suspend per-operation tree maintenance
// ABOUTME: Delayed scopes record touched trees and partially rebuild them on exit

package mptt

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Scope is an active disabled or delayed update block. It is only valid
// inside the callback it was passed to and must not be shared between
// goroutines.
type Scope struct {
	m        *Manager
	parent   *Scope
	tracking bool
	trees    map[TreeID]struct{}
	closed   bool
}

func (m *Manager) newScope(parent *Scope, tracking bool) *Scope {
	s := &Scope{m: m, parent: parent, tracking: tracking}
	if tracking {
		s.trees = make(map[TreeID]struct{})
	}
	return s
}

func (m *Manager) checkOwnsTree() error {
	if !m.schema.OwnsTree() {
		return fmt.Errorf("%w: %s does not own its tree columns", ErrCantDisableUpdates, m.schema.Name)
	}
	return nil
}

// DisableUpdates runs fn with tree maintenance switched off. Nodes get
// provisional values only; run Rebuild afterwards.
func (m *Manager) DisableUpdates(ctx context.Context, fn func(*Scope) error) (err error) {
	defer m.observe("disable_updates", time.Now(), &err)
	if err := m.checkOwnsTree(); err != nil {
		return err
	}
	s := m.newScope(nil, false)
	defer s.close()
	return fn(s)
}

// DelayUpdates runs fn with tree maintenance switched off and partially
// rebuilds every touched tree when fn returns nil. On error or panic the
// recorded trees are discarded.
func (m *Manager) DelayUpdates(ctx context.Context, fn func(*Scope) error) (err error) {
	defer m.observe("delay_updates", time.Now(), &err)
	if err := m.checkOwnsTree(); err != nil {
		return err
	}
	return m.newScope(nil, true).runDelayed(ctx, fn)
}

func (s *Scope) runDelayed(ctx context.Context, fn func(*Scope) error) error {
	defer s.close()
	if err := fn(s); err != nil {
		s.trees = nil
		s.m.log.Debug().Err(err).Msg("delayed updates aborted, discarding tracked trees")
		return err
	}
	trees := s.Trees()
	s.close()
	for _, tree := range trees {
		if err := s.m.PartialRebuild(ctx, tree); err != nil {
			return fmt.Errorf("rebuild tree %d after delayed updates: %w", tree, err)
		}
	}
	return nil
}

func (s *Scope) close() {
	s.closed = true
}

func (s *Scope) active() error {
	if s.closed {
		return ErrScopeClosed
	}
	return nil
}

func (s *Scope) engine() *engine {
	return &engine{Manager: s.m, scope: s}
}

// Tracking reports whether the scope records touched trees
func (s *Scope) Tracking() bool {
	return s.tracking
}

// Trees returns the recorded tree ids in ascending order
func (s *Scope) Trees() []TreeID {
	ids := make([]TreeID, 0, len(s.trees))
	for id := range s.trees {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Scope) track(tree TreeID) {
	if s.tracking && s.trees != nil {
		s.trees[tree] = struct{}{}
	}
}

// remapTracked follows tree ids renumbered while the scope is open
func (s *Scope) remapTracked(f func(TreeID) TreeID) {
	for sc := s; sc != nil; sc = sc.parent {
		if len(sc.trees) == 0 {
			continue
		}
		next := make(map[TreeID]struct{}, len(sc.trees))
		for id := range sc.trees {
			next[f(id)] = struct{}{}
		}
		sc.trees = next
	}
}

// InsertNode places and stores node without shifting other nodes
func (s *Scope) InsertNode(ctx context.Context, node, target *Node, pos Position) error {
	if err := s.active(); err != nil {
		return err
	}
	return s.engine().insertNode(ctx, node, target, pos)
}

// MoveNode assigns node its destination without shifting other nodes
func (s *Scope) MoveNode(ctx context.Context, node, target *Node, pos Position) error {
	if err := s.active(); err != nil {
		return err
	}
	return s.engine().moveNode(ctx, node, target, pos)
}

// BuildTreeNodes computes values for a nested description
func (s *Scope) BuildTreeNodes(ctx context.Context, spec *NodeSpec, target *Node, pos Position) ([]*Node, error) {
	if err := s.active(); err != nil {
		return nil, err
	}
	return s.engine().buildTreeNodes(ctx, spec, target, pos)
}

// InsertTree builds and stores a nested description
func (s *Scope) InsertTree(ctx context.Context, spec *NodeSpec, target *Node, pos Position) ([]*Node, error) {
	if err := s.active(); err != nil {
		return nil, err
	}
	return s.engine().insertTree(ctx, spec, target, pos)
}

// Disabled runs fn inside the current scope. Maintenance is already off.
func (s *Scope) Disabled(ctx context.Context, fn func(*Scope) error) error {
	if err := s.active(); err != nil {
		return err
	}
	return fn(s)
}

// Delayed runs fn with tree tracking. Inside a delayed scope it only runs
// fn; inside a disabled scope the touched trees are rebuilt when fn
// returns nil.
func (s *Scope) Delayed(ctx context.Context, fn func(*Scope) error) error {
	if err := s.active(); err != nil {
		return err
	}
	if s.tracking {
		return fn(s)
	}
	return s.m.newScope(s, true).runDelayed(ctx, fn)
}
