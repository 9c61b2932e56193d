// Package neo4j stores the graph in Neo4j. Labels and relationship types
// come from the store whitelist; all values are query parameters.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

const constraintViolation = "Neo.ClientError.Schema.ConstraintValidationFailed"

type Config struct {
	URI                     string
	Username                string
	Password                string
	Database                string
	MaxConnectionPoolSize   int
	ConnectionTimeout       time.Duration
	MaxTransactionRetryTime time.Duration
	ConnectAttempts         int
}

type Store struct {
	driver   neo4j.DriverWithContext
	database string

	// tx is set on the copy handed to WithTx callbacks.
	tx neo4j.ExplicitTransaction
}

type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

// New connects with exponential backoff, verifies connectivity and creates
// the uniqueness constraints.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("neo4j uri is empty")
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.MaxConnectionPoolSize <= 0 {
		cfg.MaxConnectionPoolSize = 50
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 5
	}

	auth := neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	configure := func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
		c.ConnectionAcquisitionTimeout = cfg.ConnectionTimeout
		if cfg.MaxTransactionRetryTime > 0 {
			c.MaxTransactionRetryTime = cfg.MaxTransactionRetryTime
		}
	}

	var lastErr error
	baseDelay := 100 * time.Millisecond
	for attempt := 0; attempt < cfg.ConnectAttempts; attempt++ {
		driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, configure)
		if err == nil {
			if err = driver.VerifyConnectivity(ctx); err == nil {
				s := &Store{driver: driver, database: cfg.Database}
				if err := s.EnsureSchema(ctx); err != nil {
					_ = driver.Close(ctx)
					return nil, err
				}
				return s, nil
			}
			_ = driver.Close(ctx)
		}
		lastErr = err
		logger.Warn("[Neo4j] Connection attempt failed", "attempt", attempt+1, "err", err)

		delay := min(baseDelay*time.Duration(math.Pow(2, float64(attempt))), cfg.ConnectionTimeout)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &common.StoreUnavailableError{Err: ctx.Err()}
		}
	}
	return nil, &common.StoreUnavailableError{Err: fmt.Errorf("failed to connect after %d attempts: %w", cfg.ConnectAttempts, lastErr)}
}

// EnsureSchema creates a uniqueness constraint per key and unique property.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, kind := range store.NodeKinds() {
		keyProp, _ := store.KeyProp(kind)
		for _, prop := range append([]string{keyProp}, store.UniqueProps(kind)...) {
			name := fmt.Sprintf("chronos_%s_%s", strings.ToLower(string(kind)), prop)
			cypher := fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE", name, label(kind), ident(prop))
			if _, err := s.write(ctx, func(r runner) (any, error) {
				_, err := r.Run(ctx, cypher, nil)
				return nil, err
			}); err != nil {
				return fmt.Errorf("failed to create constraint %s: %w", name, err)
			}
		}
	}
	return nil
}

func label(k store.Kind) string { return "`" + string(k) + "`" }
func relType(k store.EdgeKind) string { return "`" + string(k) + "`" }
func ident(prop string) string { return "`" + prop + "`" }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsConnectivityError(err) {
		return &common.StoreUnavailableError{Err: err}
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && nerr.Code == constraintViolation {
		return &common.DuplicateKeyError{Kind: "node", Key: nerr.Msg, Err: err}
	}
	return err
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: mode})
}

func (s *Store) write(ctx context.Context, work func(r runner) (any, error)) (any, error) {
	if s.tx != nil {
		out, err := work(s.tx)
		return out, wrapErr(err)
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(tx)
	})
	return out, wrapErr(err)
}

func (s *Store) read(ctx context.Context, work func(r runner) (any, error)) (any, error) {
	if s.tx != nil {
		out, err := work(s.tx)
		return out, wrapErr(err)
	}
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(tx)
	})
	return out, wrapErr(err)
}

func collect(ctx context.Context, r runner, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := r.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func readProps(v any) store.Props {
	m, _ := v.(map[string]any)
	out := make(store.Props, len(m))
	for k, val := range m {
		if nv, err := store.NormalizeValue(val); err == nil {
			out[k] = nv
		} else {
			out[k] = val
		}
	}
	return out
}

func handleOf(labels any, props store.Props) (store.Handle, bool) {
	list, _ := labels.([]any)
	for _, l := range list {
		name, _ := l.(string)
		kind := store.Kind(name)
		if keyProp, err := store.KeyProp(kind); err == nil {
			return store.Handle{Kind: kind, KeyProp: keyProp, Key: props.Str(keyProp)}, true
		}
	}
	return store.Handle{}, false
}

func nodeProps(ctx context.Context, r runner, h store.Handle) (store.Props, bool, error) {
	cypher := fmt.Sprintf("MATCH (n:%s {%s: $key}) RETURN properties(n) AS props", label(h.Kind), ident(h.KeyProp))
	records, err := collect(ctx, r, cypher, map[string]any{"key": h.Key})
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	v, _ := records[0].Get("props")
	return readProps(v), true, nil
}

func (s *Store) UpsertNode(ctx context.Context, kind store.Kind, keyProp string, props store.Props) (store.Handle, error) {
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

	_, err = s.write(ctx, func(r runner) (any, error) {
		merge := fmt.Sprintf("MERGE (n:%s {%s: $key}) RETURN properties(n) AS props", label(kind), ident(keyProp))
		records, err := collect(ctx, r, merge, map[string]any{"key": key})
		if err != nil {
			return nil, err
		}
		cur := store.Props{}
		if len(records) > 0 {
			v, _ := records[0].Get("props")
			cur = readProps(v)
		}
		set := store.FillMissing(cur, norm)
		if len(set) == 0 {
			return nil, nil
		}
		missing := make(map[string]any, len(set))
		for _, k := range set {
			missing[k] = cur[k]
		}
		update := fmt.Sprintf("MATCH (n:%s {%s: $key}) SET n += $props", label(kind), ident(keyProp))
		_, err = r.Run(ctx, update, map[string]any{"key": key, "props": missing})
		return nil, err
	})
	if err != nil {
		return store.Handle{}, err
	}
	return h, nil
}

func (s *Store) GetNode(ctx context.Context, h store.Handle) (*store.Node, error) {
	if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
		return nil, err
	}
	out, err := s.read(ctx, func(r runner) (any, error) {
		props, ok, err := nodeProps(ctx, r, h)
		if err != nil || !ok {
			return nil, err
		}
		return props, nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
	}
	return &store.Node{Handle: h, Props: out.(store.Props)}, nil
}

func (s *Store) UpdateNode(ctx context.Context, h store.Handle, props store.Props) (store.Handle, error) {
	if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
		return store.Handle{}, err
	}
	norm, err := store.Normalize(props)
	if err != nil {
		return store.Handle{}, err
	}
	out, err := s.write(ctx, func(r runner) (any, error) {
		cur, ok, err := nodeProps(ctx, r, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
		}
		for k, v := range norm {
			if v == nil {
				delete(cur, k)
				continue
			}
			cur[k] = v
		}
		key, _ := cur[h.KeyProp].(string)
		if key == "" {
			return nil, fmt.Errorf("update %s: %s cannot be removed", h, h.KeyProp)
		}
		cypher := fmt.Sprintf("MATCH (n:%s {%s: $key}) SET n = $props", label(h.Kind), ident(h.KeyProp))
		if _, err := r.Run(ctx, cypher, map[string]any{"key": h.Key, "props": map[string]any(cur)}); err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return store.Handle{}, err
	}
	return store.Handle{Kind: h.Kind, KeyProp: h.KeyProp, Key: out.(string)}, nil
}

func (s *Store) DeleteNode(ctx context.Context, h store.Handle) error {
	if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
		return err
	}
	out, err := s.write(ctx, func(r runner) (any, error) {
		cypher := fmt.Sprintf("MATCH (n:%s {%s: $key}) DETACH DELETE n RETURN 1 AS deleted", label(h.Kind), ident(h.KeyProp))
		records, err := collect(ctx, r, cypher, map[string]any{"key": h.Key})
		return len(records), err
	})
	if err != nil {
		return err
	}
	if out.(int) == 0 {
		return fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
	}
	return nil
}

// edgeState returns the properties of the stored edge between from and to,
// or ok=false when it does not exist. Missing endpoints are an error.
func edgeState(ctx context.Context, r runner, kind store.EdgeKind, from, to store.Handle) (store.Props, bool, error) {
	cypher := fmt.Sprintf(
		"MATCH (a:%s {%s: $from}), (b:%s {%s: $to}) OPTIONAL MATCH (a)-[r:%s]->(b) RETURN properties(r) AS props, r IS NOT NULL AS present",
		label(from.Kind), ident(from.KeyProp), label(to.Kind), ident(to.KeyProp), relType(kind))
	records, err := collect(ctx, r, cypher, map[string]any{"from": from.Key, "to": to.Key})
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, fmt.Errorf("%w: edge endpoint %s or %s", store.ErrNodeNotFound, from, to)
	}
	present, _ := records[0].Get("present")
	if ok, _ := present.(bool); !ok {
		return nil, false, nil
	}
	v, _ := records[0].Get("props")
	return readProps(v), true, nil
}

func writeEdge(ctx context.Context, r runner, kind store.EdgeKind, from, to store.Handle, props store.Props) error {
	cypher := fmt.Sprintf(
		"MATCH (a:%s {%s: $from}), (b:%s {%s: $to}) MERGE (a)-[r:%s]->(b) SET r = $props",
		label(from.Kind), ident(from.KeyProp), label(to.Kind), ident(to.KeyProp), relType(kind))
	_, err := r.Run(ctx, cypher, map[string]any{"from": from.Key, "to": to.Key, "props": map[string]any(props)})
	return err
}

func (s *Store) UpsertEdge(ctx context.Context, kind store.EdgeKind, from, to store.Handle, props store.Props, idempotent bool) (bool, error) {
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

	out, err := s.write(ctx, func(r runner) (any, error) {
		cur, exists, err := edgeState(ctx, r, kind, from, to)
		if err != nil {
			return false, err
		}
		next := store.Props{}
		if exists {
			next = cur
		}
		if !exists || idempotent {
			store.FillMissing(next, norm)
		} else {
			for k, v := range norm {
				if v == nil {
					delete(next, k)
					continue
				}
				next[k] = v
			}
		}
		return !exists, writeEdge(ctx, r, kind, from, to, next)
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (s *Store) DeleteEdge(ctx context.Context, kind store.EdgeKind, from, to store.Handle) (bool, error) {
	if err := store.CheckEdgeKind(kind); err != nil {
		return false, err
	}
	for _, h := range []store.Handle{from, to} {
		if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
			return false, err
		}
	}
	from, to = store.Orient(kind, from, to)
	out, err := s.write(ctx, func(r runner) (any, error) {
		cypher := fmt.Sprintf(
			"MATCH (a:%s {%s: $from})-[r:%s]->(b:%s {%s: $to}) DELETE r RETURN count(*) AS deleted",
			label(from.Kind), ident(from.KeyProp), relType(kind), label(to.Kind), ident(to.KeyProp))
		records, err := collect(ctx, r, cypher, map[string]any{"from": from.Key, "to": to.Key})
		if err != nil || len(records) == 0 {
			return false, err
		}
		n, _ := records[0].Get("deleted")
		count, _ := n.(int64)
		return count > 0, nil
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

type incidentEdge struct {
	id    string
	edge  store.Edge
	props store.Props
}

func (s *Store) RedirectEdges(ctx context.Context, from, to store.Handle, kinds []store.EdgeKind) (int, error) {
	for _, k := range kinds {
		if err := store.CheckEdgeKind(k); err != nil {
			return 0, err
		}
	}
	if len(kinds) == 0 {
		kinds = store.EdgeKinds()
	}
	typeNames := make([]string, len(kinds))
	for i, k := range kinds {
		typeNames[i] = string(k)
	}

	out, err := s.write(ctx, func(r runner) (any, error) {
		for _, h := range []store.Handle{from, to} {
			if _, ok, err := nodeProps(ctx, r, h); err != nil {
				return 0, err
			} else if !ok {
				return 0, fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
			}
		}

		cypher := fmt.Sprintf(`MATCH (a:%s {%s: $key})-[r]-(o)
WHERE type(r) IN $kinds
RETURN elementId(r) AS id, type(r) AS kind, startNode(r) = a AS outgoing,
       labels(o) AS labels, properties(o) AS other, properties(r) AS props`,
			label(from.Kind), ident(from.KeyProp))
		records, err := collect(ctx, r, cypher, map[string]any{"key": from.Key, "kinds": typeNames})
		if err != nil {
			return 0, err
		}

		var incident []incidentEdge
		for _, rec := range records {
			id, _ := rec.Get("id")
			kind, _ := rec.Get("kind")
			outgoing, _ := rec.Get("outgoing")
			labels, _ := rec.Get("labels")
			other, _ := rec.Get("other")
			props, _ := rec.Get("props")
			oh, ok := handleOf(labels, readProps(other))
			if !ok {
				continue
			}
			e := store.Edge{Kind: store.EdgeKind(kind.(string)), From: from, To: oh}
			if isOut, _ := outgoing.(bool); !isOut {
				e.From, e.To = oh, from
			}
			incident = append(incident, incidentEdge{id: id.(string), edge: e, props: readProps(props)})
		}

		moved := 0
		for _, ie := range incident {
			if _, err := r.Run(ctx, "MATCH ()-[r]->() WHERE elementId(r) = $id DELETE r", map[string]any{"id": ie.id}); err != nil {
				return 0, err
			}
			nf, nt := ie.edge.From, ie.edge.To
			if nf == from {
				nf = to
			}
			if nt == from {
				nt = to
			}
			if nf == nt {
				continue
			}
			nf, nt = store.Orient(ie.edge.Kind, nf, nt)
			_, exists, err := edgeState(ctx, r, ie.edge.Kind, nf, nt)
			if err != nil {
				return 0, err
			}
			if exists {
				continue
			}
			if err := writeEdge(ctx, r, ie.edge.Kind, nf, nt, ie.props); err != nil {
				return 0, err
			}
			moved++
		}
		return moved, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

func (s *Store) FindNodes(ctx context.Context, kind store.Kind, filter store.Filter) ([]store.Node, error) {
	keyProp, err := store.KeyProp(kind)
	if err != nil {
		return nil, err
	}
	params := map[string]any{}
	var where []string
	i := 0
	for name, v := range filter {
		if err := store.CheckPropName(name); err != nil {
			return nil, err
		}
		if v == nil {
			where = append(where, fmt.Sprintf("n.%s IS NULL", ident(name)))
			continue
		}
		nv, err := store.NormalizeValue(v)
		if err != nil {
			return nil, err
		}
		p := fmt.Sprintf("p%d", i)
		i++
		params[p] = nv
		where = append(where, fmt.Sprintf("n.%s = $%s", ident(name), p))
	}
	cypher := fmt.Sprintf("MATCH (n:%s)", label(kind))
	if len(where) > 0 {
		cypher += " WHERE " + strings.Join(where, " AND ")
	}
	cypher += fmt.Sprintf(" RETURN properties(n) AS props ORDER BY n.%s", ident(keyProp))

	out, err := s.read(ctx, func(r runner) (any, error) {
		records, err := collect(ctx, r, cypher, params)
		if err != nil {
			return nil, err
		}
		nodes := make([]store.Node, 0, len(records))
		for _, rec := range records {
			v, _ := rec.Get("props")
			props := readProps(v)
			nodes = append(nodes, store.Node{Handle: store.NewHandle(kind, props.Str(keyProp)), Props: props})
		}
		return nodes, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]store.Node), nil
}

func endpointClause(alias string, h *store.Handle, param string) (string, error) {
	if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s:%s AND %s.%s = $%s)", alias, label(h.Kind), alias, ident(h.KeyProp), param), nil
}

func (s *Store) FindEdges(ctx context.Context, filter store.EdgeFilter) ([]store.Edge, error) {
	params := map[string]any{}
	var where []string
	if filter.Kind != "" {
		if err := store.CheckEdgeKind(filter.Kind); err != nil {
			return nil, err
		}
		where = append(where, "type(r) = $kind")
		params["kind"] = string(filter.Kind)
	}
	// Endpoint constraints are pushed down as either-side matches; the exact
	// direction is checked in Go so undirected kinds behave the same.
	for param, h := range map[string]*store.Handle{"node": filter.Node, "from": filter.From, "to": filter.To} {
		if h == nil {
			continue
		}
		a, err := endpointClause("a", h, param)
		if err != nil {
			return nil, err
		}
		b, _ := endpointClause("b", h, param)
		where = append(where, "("+a+" OR "+b+")")
		params[param] = h.Key
	}
	cypher := "MATCH (a)-[r]->(b)"
	if len(where) > 0 {
		cypher += " WHERE " + strings.Join(where, " AND ")
	}
	cypher += " RETURN type(r) AS kind, labels(a) AS fl, properties(a) AS fp, labels(b) AS tl, properties(b) AS tp, properties(r) AS props"

	out, err := s.read(ctx, func(r runner) (any, error) {
		records, err := collect(ctx, r, cypher, params)
		if err != nil {
			return nil, err
		}
		var edges []store.Edge
		for _, rec := range records {
			kind, _ := rec.Get("kind")
			fl, _ := rec.Get("fl")
			fp, _ := rec.Get("fp")
			tl, _ := rec.Get("tl")
			tp, _ := rec.Get("tp")
			props, _ := rec.Get("props")
			fh, ok1 := handleOf(fl, readProps(fp))
			th, ok2 := handleOf(tl, readProps(tp))
			if !ok1 || !ok2 {
				continue
			}
			e := store.Edge{Kind: store.EdgeKind(kind.(string)), From: fh, To: th, Props: readProps(props)}
			if store.MatchEdge(e, filter) {
				edges = append(edges, e)
			}
		}
		store.SortEdges(edges)
		return edges, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]store.Edge), nil
}

func (s *Store) FindNodesMissingEdge(ctx context.Context, kinds []store.Kind, edgeKind store.EdgeKind) ([]store.Node, error) {
	if err := store.CheckEdgeKind(edgeKind); err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		return nil, nil
	}
	labels := make([]string, len(kinds))
	for i, k := range kinds {
		if _, err := store.KeyProp(k); err != nil {
			return nil, err
		}
		labels[i] = "n:" + label(k)
	}
	cypher := fmt.Sprintf("MATCH (n) WHERE (%s) AND NOT EXISTS { (n)-[:%s]->() } RETURN labels(n) AS labels, properties(n) AS props",
		strings.Join(labels, " OR "), relType(edgeKind))

	out, err := s.read(ctx, func(r runner) (any, error) {
		records, err := collect(ctx, r, cypher, nil)
		if err != nil {
			return nil, err
		}
		var nodes []store.Node
		for _, rec := range records {
			l, _ := rec.Get("labels")
			v, _ := rec.Get("props")
			props := readProps(v)
			if h, ok := handleOf(l, props); ok {
				nodes = append(nodes, store.Node{Handle: h, Props: props})
			}
		}
		store.SortNodes(nodes)
		return nodes, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]store.Node), nil
}

// WithTx runs fn in one explicit transaction. Nested calls join it; Neo4j
// has no savepoints, so a failing nested call aborts the outer one.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.GraphStorage) error) error {
	if s.tx != nil {
		return store.AbortTx(fn(ctx, s))
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if err := fn(ctx, &Store{driver: s.driver, database: s.database, tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Error("[Neo4j] Rollback failed", "err", rbErr)
		}
		return store.RolledBack(err)
	}
	return wrapErr(tx.Commit(ctx))
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return &common.StoreUnavailableError{Err: err}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.tx != nil {
		return errors.New("close called inside a transaction")
	}
	return s.driver.Close(ctx)
}
