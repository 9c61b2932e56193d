package pgx

import (
	"context"
	"errors"
	"fmt"
	"slices"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/gcquraishi/chronosgraph/pkg/store"
)

func nodeID(ctx context.Context, conn pgxIConn, h store.Handle) (int64, error) {
	var id int64
	err := conn.QueryRow(ctx, `SELECT id FROM graph_nodes WHERE kind = $1 AND node_key = $2`, string(h.Kind), h.Key).Scan(&id)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return 0, fmt.Errorf("%w: edge endpoint %s", store.ErrNodeNotFound, h)
	}
	return id, err
}

func (s *GraphDBStorage) UpsertEdge(ctx context.Context, kind store.EdgeKind, from, to store.Handle, props store.Props, idempotent bool) (bool, error) {
	if err := store.CheckEdgeKind(kind); err != nil {
		return false, err
	}
	for _, h := range []store.Handle{from, to} {
		if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
			return false, err
		}
	}
	if from == to {
		return false, fmt.Errorf("edge %s from %s to itself", kind, from)
	}
	norm, err := store.Normalize(props)
	if err != nil {
		return false, err
	}
	from, to = store.Orient(kind, from, to)

	created := false
	err = s.inTransaction(ctx, func(conn pgxIConn) error {
		fromID, err := nodeID(ctx, conn, from)
		if err != nil {
			return err
		}
		toID, err := nodeID(ctx, conn, to)
		if err != nil {
			return err
		}

		var (
			edgeID int64
			raw    []byte
		)
		err = conn.QueryRow(ctx,
			`SELECT id, props FROM graph_edges WHERE kind = $1 AND from_id = $2 AND to_id = $3 FOR UPDATE`,
			string(kind), fromID, toID).Scan(&edgeID, &raw)
		if errors.Is(err, pgxv5.ErrNoRows) {
			next := store.Props{}
			store.FillMissing(next, norm)
			enc, err := encodeProps(next)
			if err != nil {
				return err
			}
			tag, err := conn.Exec(ctx,
				`INSERT INTO graph_edges (kind, from_id, to_id, props) VALUES ($1, $2, $3, $4) ON CONFLICT (kind, from_id, to_id) DO NOTHING`,
				string(kind), fromID, toID, enc)
			created = err == nil && tag.RowsAffected() == 1
			return err
		}
		if err != nil {
			return err
		}

		cur, err := decodeProps(raw)
		if err != nil {
			return err
		}
		if idempotent {
			store.FillMissing(cur, norm)
		} else {
			for k, v := range norm {
				if v == nil {
					delete(cur, k)
					continue
				}
				cur[k] = v
			}
		}
		enc, err := encodeProps(cur)
		if err != nil {
			return err
		}
		_, err = conn.Exec(ctx, `UPDATE graph_edges SET props = $2 WHERE id = $1`, edgeID, enc)
		return err
	})
	return created, err
}

const edgeSelect = `
SELECT e.id, e.kind, fn.kind, fn.node_key, tn.kind, tn.node_key, e.props
FROM graph_edges e
JOIN graph_nodes fn ON fn.id = e.from_id
JOIN graph_nodes tn ON tn.id = e.to_id`

type edgeRow struct {
	id   int64
	edge store.Edge
}

func (s *GraphDBStorage) DeleteEdge(ctx context.Context, kind store.EdgeKind, from, to store.Handle) (bool, error) {
	if err := store.CheckEdgeKind(kind); err != nil {
		return false, err
	}
	from, to = store.Orient(kind, from, to)
	tag, err := s.conn.Exec(ctx, `
DELETE FROM graph_edges e
USING graph_nodes a, graph_nodes b
WHERE e.kind = $1
  AND e.from_id = a.id AND a.kind = $2 AND a.node_key = $3
  AND e.to_id = b.id AND b.kind = $4 AND b.node_key = $5`,
		string(kind), string(from.Kind), from.Key, string(to.Kind), to.Key)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanEdges(rows pgxv5.Rows) ([]edgeRow, error) {
	defer rows.Close()
	var out []edgeRow
	for rows.Next() {
		var (
			id                             int64
			kind, fKind, fKey, tKind, tKey string
			raw                            []byte
		)
		if err := rows.Scan(&id, &kind, &fKind, &fKey, &tKind, &tKey, &raw); err != nil {
			return nil, err
		}
		props, err := decodeProps(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, edgeRow{id: id, edge: store.Edge{
			Kind:  store.EdgeKind(kind),
			From:  store.NewHandle(store.Kind(fKind), fKey),
			To:    store.NewHandle(store.Kind(tKind), tKey),
			Props: props,
		}})
	}
	return out, rows.Err()
}

func (s *GraphDBStorage) RedirectEdges(ctx context.Context, from, to store.Handle, kinds []store.EdgeKind) (int, error) {
	for _, k := range kinds {
		if err := store.CheckEdgeKind(k); err != nil {
			return 0, err
		}
	}
	if len(kinds) == 0 {
		kinds = store.EdgeKinds()
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}

	moved := 0
	err := s.inTransaction(ctx, func(conn pgxIConn) error {
		srcID, err := nodeID(ctx, conn, from)
		if err != nil {
			return err
		}
		if _, err := nodeID(ctx, conn, to); err != nil {
			return err
		}
		rows, err := conn.Query(ctx, edgeSelect+`
WHERE (e.from_id = $1 OR e.to_id = $1) AND e.kind = ANY($2)
ORDER BY e.kind, e.id`, srcID, names)
		if err != nil {
			return err
		}
		incident, err := scanEdges(rows)
		if err != nil {
			return err
		}

		for _, r := range incident {
			nf, nt := r.edge.From, r.edge.To
			if nf == from {
				nf = to
			}
			if nt == from {
				nt = to
			}
			if nf == nt {
				if _, err := conn.Exec(ctx, `DELETE FROM graph_edges WHERE id = $1`, r.id); err != nil {
					return err
				}
				continue
			}
			nf, nt = store.Orient(r.edge.Kind, nf, nt)
			fromID, err := nodeID(ctx, conn, nf)
			if err != nil {
				return err
			}
			toID, err := nodeID(ctx, conn, nt)
			if err != nil {
				return err
			}
			tag, err := conn.Exec(ctx, `
UPDATE graph_edges SET from_id = $2, to_id = $3
WHERE id = $1
  AND NOT EXISTS (SELECT 1 FROM graph_edges x WHERE x.kind = $4 AND x.from_id = $2 AND x.to_id = $3)`,
				r.id, fromID, toID, string(r.edge.Kind))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 1 {
				moved++
				continue
			}
			if _, err := conn.Exec(ctx, `DELETE FROM graph_edges WHERE id = $1`, r.id); err != nil {
				return err
			}
		}
		return nil
	})
	return moved, err
}

func (s *GraphDBStorage) FindEdges(ctx context.Context, filter store.EdgeFilter) ([]store.Edge, error) {
	q := edgeSelect + ` WHERE TRUE`
	var args []any
	if filter.Kind != "" {
		if err := store.CheckEdgeKind(filter.Kind); err != nil {
			return nil, err
		}
		args = append(args, string(filter.Kind))
		q += fmt.Sprintf(` AND e.kind = $%d`, len(args))
	}
	// Endpoint constraints are pushed down as either-side matches; MatchEdge
	// applies the exact direction afterwards.
	for _, h := range []*store.Handle{filter.Node, filter.From, filter.To} {
		if h == nil {
			continue
		}
		if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
			return nil, err
		}
		args = append(args, string(h.Kind), h.Key)
		k, v := len(args)-1, len(args)
		q += fmt.Sprintf(` AND ((fn.kind = $%d AND fn.node_key = $%d) OR (tn.kind = $%d AND tn.node_key = $%d))`, k, v, k, v)
	}

	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	found, err := scanEdges(rows)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]store.Edge, 0, len(found))
	for _, r := range found {
		if store.MatchEdge(r.edge, filter) {
			out = append(out, r.edge)
		}
	}
	store.SortEdges(out)
	return slices.Clip(out), nil
}
