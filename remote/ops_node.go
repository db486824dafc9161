package remote

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
)

// ListNodes reads the mesh members known to a node.
// Columns: node_id (int64), node_name, location, country, info, dsn (strings).
type ListNodes struct{}

func (ListNodes) Name() string { return "list_nodes" }

func (ListNodes) Statement() (string, []any, error) {
	return dialect.
		From(goqu.S("spock").Table("node").As("n")).
		Join(
			goqu.S("spock").Table("node_interface").As("i"),
			goqu.On(goqu.I("i.if_nodeid").Eq(goqu.I("n.node_id"))),
		).
		Select(
			goqu.Cast(goqu.I("n.node_id"), "bigint"),
			goqu.Cast(goqu.I("n.node_name"), "text"),
			goqu.COALESCE(goqu.I("n.location"), ""),
			goqu.COALESCE(goqu.I("n.country"), ""),
			goqu.COALESCE(goqu.Cast(goqu.I("n.info"), "text"), ""),
			goqu.I("i.if_dsn"),
		).
		Order(goqu.I("n.node_id").Asc()).
		Prepared(true).
		ToSQL()
}

// LookupNode checks whether a node identity exists locally.
// Columns: node_id (int64); no rows when absent.
type LookupNode struct {
	Node string
}

func (LookupNode) Name() string { return "lookup_node" }

func (o LookupNode) Statement() (string, []any, error) {
	if err := ValidateIdentifier("node", o.Node); err != nil {
		return "", nil, err
	}
	return dialect.
		From(goqu.S("spock").Table("node")).
		Select(goqu.Cast(goqu.C("node_id"), "bigint")).
		Where(goqu.C("node_name").Eq(o.Node)).
		Prepared(true).
		ToSQL()
}

// CreateNode registers a node identity at its own endpoint
type CreateNode struct {
	Node     string
	DSN      string
	Location string
	Country  string
	Info     string // JSON document, "{}" when empty
}

func (CreateNode) Name() string { return "create_node" }

func (o CreateNode) Statement() (string, []any, error) {
	if err := ValidateIdentifier("node", o.Node); err != nil {
		return "", nil, err
	}
	if o.DSN == "" {
		return "", nil, fmt.Errorf("node %s: dsn is required", o.Node)
	}
	info := o.Info
	if info == "" {
		info = "{}"
	}
	return selectFunc("spock.node_create",
		named("node_name", o.Node),
		named("dsn", o.DSN),
		named("location", o.Location),
		named("country", o.Country),
		namedCast("info", info, "jsonb"),
	)
}

// DropNode removes a node identity; absent nodes are ignored
type DropNode struct {
	Node string
}

func (DropNode) Name() string { return "drop_node" }

func (o DropNode) Statement() (string, []any, error) {
	if err := ValidateIdentifier("node", o.Node); err != nil {
		return "", nil, err
	}
	return selectFunc("spock.node_drop",
		named("node_name", o.Node),
		named("ifexists", true),
	)
}
