package remote

import (
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // registers the postgres dialect
	"github.com/doug-martin/goqu/v9/exp"
)

// Operation is one typed request executed against a single mesh member.
// Statement renders it as a parameterized SQL statement; nothing is ever
// interpolated into the SQL text.
type Operation interface {
	Name() string
	Statement() (string, []any, error)
}

// Result holds the rows returned by an operation, positionally
type Result struct {
	Columns []string
	Rows    [][]any
}

// Empty reports whether the operation returned no rows
func (r *Result) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// Value returns column col of the first row. ok is false when there is no
// such row or column, or when the value is NULL.
func (r *Result) Value(col int) (any, bool) {
	if r.Empty() || col >= len(r.Rows[0]) {
		return nil, false
	}
	v := r.Rows[0][col]
	return v, v != nil
}

// String returns column col of the first row as a string
func (r *Result) String(col int) (string, bool) {
	v, ok := r.Value(col)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns column col of the first row as a bool
func (r *Result) Bool(col int) (bool, bool) {
	v, ok := r.Value(col)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

var dialect = goqu.Dialect("postgres")

// named renders a PostgreSQL named-notation argument ("param => $n")
func named(param string, value any) exp.LiteralExpression {
	return goqu.L(param+" => ?", value)
}

// namedCast renders a named-notation argument with an explicit type
func namedCast(param string, value any, typ string) exp.LiteralExpression {
	return goqu.L(param+" => CAST(? AS "+typ+")", value)
}

// namedArray renders a text[] argument. Elements are validated identifiers, so
// they can never contain the separator.
func namedArray(param string, values []string) exp.LiteralExpression {
	return goqu.L(param+" => string_to_array(?, ',')", strings.Join(values, ","))
}

// selectFunc renders SELECT fn(args...)
func selectFunc(fn string, args ...any) (string, []any, error) {
	return dialect.Select(goqu.Func(fn, args...)).Prepared(true).ToSQL()
}

// Unmarshaler decodes a serialized operation into v
type Unmarshaler func(data []byte, v any) error

var operations = map[string]func([]byte, Unmarshaler) (Operation, error){
	ListNodes{}.Name():          decodeAs[ListNodes],
	LookupNode{}.Name():         decodeAs[LookupNode],
	CreateNode{}.Name():         decodeAs[CreateNode],
	DropNode{}.Name():           decodeAs[DropNode],
	SubscriptionStatus{}.Name(): decodeAs[SubscriptionStatus],
	CreateSubscription{}.Name(): decodeAs[CreateSubscription],
	EnableSubscription{}.Name(): decodeAs[EnableSubscription],
	DropSubscription{}.Name():   decodeAs[DropSubscription],
	SlotPosition{}.Name():       decodeAs[SlotPosition],
	CreateSlot{}.Name():         decodeAs[CreateSlot],
	AdvanceSlot{}.Name():        decodeAs[AdvanceSlot],
	DropSlot{}.Name():           decodeAs[DropSlot],
	LSNForCommitTime{}.Name():   decodeAs[LSNForCommitTime],
	SyncEvent{}.Name():          decodeAs[SyncEvent],
	WaitForSyncEvent{}.Name():   decodeAs[WaitForSyncEvent],
	LagTracker{}.Name():         decodeAs[LagTracker],
}

// DecodeOperation rebuilds a typed operation from its name and serialized form
func DecodeOperation(name string, data []byte, unmarshal Unmarshaler) (Operation, error) {
	decode, ok := operations[name]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", name)
	}
	return decode(data, unmarshal)
}

func decodeAs[T Operation](data []byte, unmarshal Unmarshaler) (Operation, error) {
	var op T
	if err := unmarshal(data, &op); err != nil {
		return nil, err
	}
	return op, nil
}
