// ABOUTME: Store-neutral predicates and ranged update statements
// ABOUTME: SQL stores render them, in-memory stores evaluate them

package mptt

// Field names a logical column. The tree roles are fixed, any other
// value refers to a caller column declared in the schema.
type Field string

const (
	FieldID     Field = "id"
	FieldParent Field = "parent"
	FieldLeft   Field = "left"
	FieldRight  Field = "right"
	FieldLevel  Field = "level"
	FieldTreeID Field = "tree_id"
)

// TreeFields are the columns maintained by the engine
var TreeFields = []Field{FieldLeft, FieldRight, FieldLevel, FieldTreeID}

// IsTreeRole reports whether f is one of the fixed roles
func (f Field) IsTreeRole() bool {
	switch f {
	case FieldID, FieldParent, FieldLeft, FieldRight, FieldLevel, FieldTreeID:
		return true
	}
	return false
}

// Op is a comparison operator
type Op uint8

const (
	OpEq Op = iota + 1
	OpGt
	OpGte
	OpLt
	OpLte
	OpIsNull
	OpNotNull
	OpIn
)

// Cond compares one field against a value
type Cond struct {
	Field  Field
	Op     Op
	Value  int64
	Values []int64 // OpIn only
}

func Eq(f Field, v int64) Cond  { return Cond{Field: f, Op: OpEq, Value: v} }
func Gt(f Field, v int64) Cond  { return Cond{Field: f, Op: OpGt, Value: v} }
func Gte(f Field, v int64) Cond { return Cond{Field: f, Op: OpGte, Value: v} }
func Lt(f Field, v int64) Cond  { return Cond{Field: f, Op: OpLt, Value: v} }
func Lte(f Field, v int64) Cond { return Cond{Field: f, Op: OpLte, Value: v} }
func IsNull(f Field) Cond       { return Cond{Field: f, Op: OpIsNull} }
func NotNull(f Field) Cond      { return Cond{Field: f, Op: OpNotNull} }

func In(f Field, vs ...int64) Cond {
	return Cond{Field: f, Op: OpIn, Values: vs}
}

// Between is the inclusive range lo <= f <= hi
func Between(f Field, lo, hi int64) []Cond {
	return []Cond{Gte(f, lo), Lte(f, hi)}
}

// Eval applies the condition to a row. ok=false means NULL.
func (c Cond) Eval(get func(Field) (int64, bool)) bool {
	v, ok := get(c.Field)
	switch c.Op {
	case OpIsNull:
		return !ok
	case OpNotNull:
		return ok
	}
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return v == c.Value
	case OpGt:
		return v > c.Value
	case OpGte:
		return v >= c.Value
	case OpLt:
		return v < c.Value
	case OpLte:
		return v <= c.Value
	case OpIn:
		for _, x := range c.Values {
			if v == x {
				return true
			}
		}
	}
	return false
}

// Predicate is All[0] AND All[1] ... AND (Any[0] OR Any[1] ...).
// An empty predicate matches every row.
type Predicate struct {
	All []Cond
	Any []Cond
}

// Where builds a conjunction
func Where(conds ...Cond) Predicate {
	return Predicate{All: conds}
}

// And appends conjuncts
func (p Predicate) And(conds ...Cond) Predicate {
	all := make([]Cond, 0, len(p.All)+len(conds))
	all = append(all, p.All...)
	all = append(all, conds...)
	return Predicate{All: all, Any: p.Any}
}

// Or sets the disjunction group
func (p Predicate) Or(conds ...Cond) Predicate {
	return Predicate{All: p.All, Any: conds}
}

// Empty reports whether the predicate matches everything
func (p Predicate) Empty() bool {
	return len(p.All) == 0 && len(p.Any) == 0
}

// Eval applies the predicate to a row
func (p Predicate) Eval(get func(Field) (int64, bool)) bool {
	for _, c := range p.All {
		if !c.Eval(get) {
			return false
		}
	}
	if len(p.Any) == 0 {
		return true
	}
	for _, c := range p.Any {
		if c.Eval(get) {
			return true
		}
	}
	return false
}

// Expr is either Field + Delta or, with an empty Field, the constant Delta
type Expr struct {
	Field Field
	Delta int64
}

// Shift is f + d
func Shift(f Field, d int64) Expr { return Expr{Field: f, Delta: d} }

// Const is the literal v
func Const(v int64) Expr { return Expr{Delta: v} }

// IsConst reports whether the expression ignores the row
func (x Expr) IsConst() bool { return x.Field == "" }

// Eval computes the expression against a row
func (x Expr) Eval(get func(Field) (int64, bool)) int64 {
	if x.IsConst() {
		return x.Delta
	}
	v, _ := get(x.Field)
	return v + x.Delta
}

// When is one CASE branch
type When struct {
	If   Predicate
	Then Expr
}

// Assignment is Field = CASE WHEN ... THEN ... ELSE Else END. Without
// cases it is an unconditional Field = Else; a nil Else keeps the value.
type Assignment struct {
	Field Field
	Cases []When
	Else  *Expr
}

// Eval returns the new value and whether the field changes
func (a Assignment) Eval(get func(Field) (int64, bool)) (int64, bool) {
	for _, w := range a.Cases {
		if w.If.Eval(get) {
			return w.Then.Eval(get), true
		}
	}
	if a.Else != nil {
		return a.Else.Eval(get), true
	}
	v, _ := get(a.Field)
	return v, false
}

// RangedUpdate is one atomic conditional bulk statement. All expressions
// read the pre-update row, as SQL does.
type RangedUpdate struct {
	Set   []Assignment
	Where Predicate
}

// Order is one sort key
type Order struct {
	Field Field
	Desc  bool
}

// Query selects nodes. Results are ordered by OrderBy followed by
// (tree_id, left, id).
type Query struct {
	Where   Predicate
	OrderBy []Order
	Limit   int
}

// RelatedQuery counts rows of a related table pointing at nodes
type RelatedQuery struct {
	Table  string // related table
	Column string // column holding the node id

	// Node is used for direct counts
	Node NodeID

	// Cumulative counts rows related to any node of the subtree
	// [Left, Right] in TreeID
	Cumulative bool
	TreeID     TreeID
	Left       int64
	Right      int64

	// Filters are extra equality conditions on the related table
	Filters map[string]any
}
