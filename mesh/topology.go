package mesh

import (
	"context"
	"fmt"

	"github.com/spockmesh/meshjoin/remote"
)

// Topology reads mesh membership
type Topology struct {
	ex remote.Executor
}

// ListMembers returns the members known to source, in node id order. The
// listing always includes source itself.
func (t *Topology) ListMembers(ctx context.Context, source Node) ([]Node, error) {
	res, err := t.ex.Exec(ctx, source.DSN, remote.ListNodes{})
	if err != nil {
		return nil, err
	}

	members := make([]Node, 0, len(res.Rows))
	for i, row := range res.Rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("member row %d from %s: expected 6 columns, got %d", i, source.Name, len(row))
		}
		id, err := asInt64(row[0])
		if err != nil {
			return nil, fmt.Errorf("member row %d from %s: %w", i, source.Name, err)
		}
		members = append(members, Node{
			ID:       id,
			Name:     asString(row[1]),
			Location: asString(row[2]),
			Country:  asString(row[3]),
			Info:     asString(row[4]),
			DSN:      asString(row[5]),
		})
	}
	return members, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected node id type %T", v)
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
