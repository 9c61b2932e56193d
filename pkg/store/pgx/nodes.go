package pgx

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

type nodeRow struct {
	id    int64
	props store.Props
}

func getNode(ctx context.Context, conn pgxIConn, h store.Handle, forUpdate bool) (*nodeRow, error) {
	q := `SELECT id, props FROM graph_nodes WHERE kind = $1 AND node_key = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var (
		id  int64
		raw []byte
	)
	err := conn.QueryRow(ctx, q, string(h.Kind), h.Key).Scan(&id, &raw)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
	}
	if err != nil {
		return nil, err
	}
	props, err := decodeProps(raw)
	if err != nil {
		return nil, err
	}
	return &nodeRow{id: id, props: props}, nil
}

func (s *GraphDBStorage) UpsertNode(ctx context.Context, kind store.Kind, keyProp string, props store.Props) (store.Handle, error) {
	if err := store.CheckKind(kind, keyProp); err != nil {
		return store.Handle{}, err
	}
	norm, err := store.Normalize(props)
	if err != nil {
		return store.Handle{}, err
	}
	key, _ := norm[keyProp].(string)
	if key == "" {
		return store.Handle{}, fmt.Errorf("upsert %s: missing %s", kind, keyProp)
	}
	h := store.Handle{Kind: kind, KeyProp: keyProp, Key: key}

	err = s.inTransaction(ctx, func(conn pgxIConn) error {
		// Serialise concurrent creators of the same key before reading.
		if _, err := conn.Exec(ctx,
			`INSERT INTO graph_nodes (kind, node_key, props) VALUES ($1, $2, '{}'::jsonb) ON CONFLICT (kind, node_key) DO NOTHING`,
			string(kind), key); err != nil {
			return err
		}
		row, err := getNode(ctx, conn, h, true)
		if err != nil {
			return err
		}
		if len(store.FillMissing(row.props, norm)) == 0 {
			return nil
		}
		raw, err := encodeProps(row.props)
		if err != nil {
			return err
		}
		_, err = conn.Exec(ctx, `UPDATE graph_nodes SET props = $2, updated_at = now() WHERE id = $1`, row.id, raw)
		return err
	})
	if err != nil {
		return store.Handle{}, err
	}
	return h, nil
}

func (s *GraphDBStorage) GetNode(ctx context.Context, h store.Handle) (*store.Node, error) {
	if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
		return nil, err
	}
	row, err := getNode(ctx, s.conn, h, false)
	if err != nil {
		return nil, mapErr(err)
	}
	return &store.Node{Handle: h, Props: row.props}, nil
}

func (s *GraphDBStorage) UpdateNode(ctx context.Context, h store.Handle, props store.Props) (store.Handle, error) {
	if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
		return store.Handle{}, err
	}
	norm, err := store.Normalize(props)
	if err != nil {
		return store.Handle{}, err
	}
	var key string
	err = s.inTransaction(ctx, func(conn pgxIConn) error {
		row, err := getNode(ctx, conn, h, true)
		if err != nil {
			return err
		}
		for k, v := range norm {
			if v == nil {
				delete(row.props, k)
				continue
			}
			row.props[k] = v
		}
		key, _ = row.props[h.KeyProp].(string)
		if key == "" {
			return fmt.Errorf("update %s: %s cannot be removed", h, h.KeyProp)
		}
		raw, err := encodeProps(row.props)
		if err != nil {
			return err
		}
		_, err = conn.Exec(ctx,
			`UPDATE graph_nodes SET node_key = $2, props = $3, updated_at = now() WHERE id = $1`,
			row.id, key, raw)
		return err
	})
	if err != nil {
		var dup *common.DuplicateKeyError
		if errors.As(err, &dup) {
			dup.Kind = string(h.Kind)
			dup.Key = key
		}
		return store.Handle{}, err
	}
	return store.Handle{Kind: h.Kind, KeyProp: h.KeyProp, Key: key}, nil
}

func (s *GraphDBStorage) DeleteNode(ctx context.Context, h store.Handle) error {
	if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
		return err
	}
	tag, err := s.conn.Exec(ctx, `DELETE FROM graph_nodes WHERE kind = $1 AND node_key = $2`, string(h.Kind), h.Key)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
	}
	return nil
}

func (s *GraphDBStorage) FindNodes(ctx context.Context, kind store.Kind, filter store.Filter) ([]store.Node, error) {
	keyProp, err := store.KeyProp(kind)
	if err != nil {
		return nil, err
	}
	q := `SELECT node_key, props FROM graph_nodes WHERE kind = $1`
	args := []any{string(kind)}
	for name, v := range filter {
		if err := store.CheckPropName(name); err != nil {
			return nil, err
		}
		args = append(args, name)
		if v == nil {
			q += fmt.Sprintf(` AND props -> $%d::text IS NULL`, len(args))
			continue
		}
		nv, err := store.NormalizeValue(v)
		if err != nil {
			return nil, err
		}
		raw, err := encodeProps(store.Props{"v": nv})
		if err != nil {
			return nil, err
		}
		args = append(args, raw)
		q += fmt.Sprintf(` AND props -> $%d::text = ($%d::jsonb -> 'v')`, len(args)-1, len(args))
	}
	q += ` ORDER BY node_key COLLATE "C"`

	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.Node
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		props, err := decodeProps(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Node{Handle: store.Handle{Kind: kind, KeyProp: keyProp, Key: key}, Props: props})
	}
	return out, mapErr(rows.Err())
}

func (s *GraphDBStorage) FindNodesMissingEdge(ctx context.Context, kinds []store.Kind, edgeKind store.EdgeKind) ([]store.Node, error) {
	if err := store.CheckEdgeKind(edgeKind); err != nil {
		return nil, err
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		if _, err := store.KeyProp(k); err != nil {
			return nil, err
		}
		names[i] = string(k)
	}
	rows, err := s.conn.Query(ctx, `
SELECT n.kind, n.node_key, n.props
FROM graph_nodes n
WHERE n.kind = ANY($1)
  AND NOT EXISTS (SELECT 1 FROM graph_edges e WHERE e.from_id = n.id AND e.kind = $2)`,
		names, string(edgeKind))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.Node
	for rows.Next() {
		var (
			kind, key string
			raw       []byte
		)
		if err := rows.Scan(&kind, &key, &raw); err != nil {
			return nil, err
		}
		props, err := decodeProps(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Node{Handle: store.NewHandle(store.Kind(kind), key), Props: props})
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	store.SortNodes(out)
	return out, nil
}
