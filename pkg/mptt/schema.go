// ABOUTME: Mapping from logical tree roles to physical table columns
// ABOUTME: Resolved once so the engine only speaks logical fields

package mptt

import (
	"fmt"
	"regexp"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Schema describes the table holding one forest
type Schema struct {
	Name    string
	Table   string
	Columns map[Field]string

	// Extra lists caller columns copied to and from Node.Fields
	Extra []string

	// OrderInsertionBy orders siblings during rebuilds
	OrderInsertionBy []Order

	// RootOrdering keeps tree ids sequential and ordered. When false
	// tree ids are opaque keys and root order is undefined.
	RootOrdering bool

	// Abstract and Proxy schemas share another entity's columns and
	// cannot suspend tree maintenance
	Abstract  bool
	Proxy     bool
	TreeOwner string
}

// DefaultColumns are the physical names used when a role is not mapped
var DefaultColumns = map[Field]string{
	FieldID:     "id",
	FieldParent: "parent_id",
	FieldLeft:   "lft",
	FieldRight:  "rght",
	FieldLevel:  "level",
	FieldTreeID: "tree_id",
}

// NewSchema returns a schema for table with default column names and
// ordered roots
func NewSchema(table string, extra ...string) *Schema {
	cols := make(map[Field]string, len(DefaultColumns))
	for f, c := range DefaultColumns {
		cols[f] = c
	}
	return &Schema{
		Name:         table,
		Table:        table,
		Columns:      cols,
		Extra:        extra,
		RootOrdering: true,
	}
}

// Column returns the physical column for a field. Caller fields map to
// themselves.
func (s *Schema) Column(f Field) string {
	if c, ok := s.Columns[f]; ok && c != "" {
		return c
	}
	if c, ok := DefaultColumns[f]; ok {
		return c
	}
	return string(f)
}

// HasExtra reports whether name is a declared caller column
func (s *Schema) HasExtra(name string) bool {
	for _, e := range s.Extra {
		if e == name {
			return true
		}
	}
	return false
}

// OwnsTree reports whether tree maintenance can be suspended for this schema
func (s *Schema) OwnsTree() bool {
	if s.Abstract || s.Proxy {
		return false
	}
	return s.TreeOwner == "" || s.TreeOwner == s.Name
}

// Validate checks identifiers before they are used in statements
func (s *Schema) Validate() error {
	if !identRe.MatchString(s.Table) {
		return fmt.Errorf("mptt: invalid table name %q", s.Table)
	}
	seen := make(map[string]Field)
	for _, f := range []Field{FieldID, FieldParent, FieldLeft, FieldRight, FieldLevel, FieldTreeID} {
		c := s.Column(f)
		if !identRe.MatchString(c) {
			return fmt.Errorf("mptt: invalid column %q for %s", c, f)
		}
		if other, dup := seen[c]; dup {
			return fmt.Errorf("mptt: column %q mapped to both %s and %s", c, other, f)
		}
		seen[c] = f
	}
	for _, e := range s.Extra {
		if !identRe.MatchString(e) {
			return fmt.Errorf("mptt: invalid column %q", e)
		}
		if _, dup := seen[e]; dup {
			return fmt.Errorf("mptt: extra column %q collides with a tree column", e)
		}
	}
	for _, o := range s.OrderInsertionBy {
		if !o.Field.IsTreeRole() && !s.HasExtra(string(o.Field)) {
			return fmt.Errorf("mptt: order field %q is not a declared column", o.Field)
		}
	}
	return nil
}
