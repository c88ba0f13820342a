// ABOUTME: Renders store-neutral predicates and ranged updates as SQL
// ABOUTME: Identifiers are quoted, values are always bound parameters

package sqlstore

import (
	"fmt"
	"strings"

	"github.com/nainya/nestedset/pkg/mptt"
)

// builder accumulates SQL text and its positional arguments
type builder struct {
	schema *mptt.Schema
	sb     strings.Builder
	args   []any
}

func newBuilder(schema *mptt.Schema) *builder {
	return &builder{schema: schema}
}

func (b *builder) String() string { return b.sb.String() }

func (b *builder) write(parts ...string) {
	for _, p := range parts {
		b.sb.WriteString(p)
	}
}

func (b *builder) arg(v any) {
	b.sb.WriteByte('?')
	b.args = append(b.args, v)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (b *builder) col(f mptt.Field) string {
	return quote(b.schema.Column(f))
}

func (b *builder) cond(c mptt.Cond) {
	col := b.col(c.Field)
	switch c.Op {
	case mptt.OpIsNull:
		b.write(col, " IS NULL")
		return
	case mptt.OpNotNull:
		b.write(col, " IS NOT NULL")
		return
	case mptt.OpIn:
		if len(c.Values) == 0 {
			b.write("1 = 0")
			return
		}
		b.write(col, " IN (")
		for i, v := range c.Values {
			if i > 0 {
				b.write(", ")
			}
			b.arg(v)
		}
		b.write(")")
		return
	}
	op := map[mptt.Op]string{
		mptt.OpEq:  " = ",
		mptt.OpGt:  " > ",
		mptt.OpGte: " >= ",
		mptt.OpLt:  " < ",
		mptt.OpLte: " <= ",
	}[c.Op]
	b.write(col, op)
	b.arg(c.Value)
}

func (b *builder) predicate(p mptt.Predicate) {
	if p.Empty() {
		b.write("1 = 1")
		return
	}
	for i, c := range p.All {
		if i > 0 {
			b.write(" AND ")
		}
		b.cond(c)
	}
	if len(p.Any) == 0 {
		return
	}
	if len(p.All) > 0 {
		b.write(" AND ")
	}
	b.write("(")
	for i, c := range p.Any {
		if i > 0 {
			b.write(" OR ")
		}
		b.cond(c)
	}
	b.write(")")
}

func (b *builder) expr(x mptt.Expr) {
	if x.IsConst() {
		b.arg(x.Delta)
		return
	}
	b.write(b.col(x.Field))
	if x.Delta != 0 {
		b.write(" + ")
		b.arg(x.Delta)
	}
}

func (b *builder) assignment(a mptt.Assignment) {
	col := b.col(a.Field)
	b.write(col, " = ")
	if len(a.Cases) == 0 {
		if a.Else == nil {
			b.write(col)
			return
		}
		b.expr(*a.Else)
		return
	}
	b.write("CASE")
	for _, w := range a.Cases {
		b.write(" WHEN ")
		b.predicate(w.If)
		b.write(" THEN ")
		b.expr(w.Then)
	}
	b.write(" ELSE ")
	if a.Else != nil {
		b.expr(*a.Else)
	} else {
		b.write(col)
	}
	b.write(" END")
}

func (b *builder) update(u mptt.RangedUpdate) error {
	if len(u.Set) == 0 {
		return fmt.Errorf("sqlstore: ranged update without assignments")
	}
	b.write("UPDATE ", quote(b.schema.Table), " SET ")
	for i, a := range u.Set {
		if i > 0 {
			b.write(", ")
		}
		b.assignment(a)
	}
	b.write(" WHERE ")
	b.predicate(u.Where)
	return nil
}

func (b *builder) orderBy(orders []mptt.Order) {
	b.write(" ORDER BY ")
	for _, o := range orders {
		b.write(b.col(o.Field))
		if o.Desc {
			b.write(" DESC")
		}
		b.write(", ")
	}
	b.write(b.col(mptt.FieldTreeID), ", ", b.col(mptt.FieldLeft), ", ", b.col(mptt.FieldID))
}
