// Package memory is an in-process GraphStorage used by tests, dry runs and
// offline fixtures. Transactions work on a copy of the graph that replaces
// the live one on commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

type nodeRef struct {
	kind store.Kind
	key  string
}

type edgeKey struct {
	kind     store.EdgeKind
	from, to nodeRef
}

type graph struct {
	nodes map[nodeRef]store.Props
	edges map[edgeKey]store.Props
}

func newGraph() *graph {
	return &graph{nodes: map[nodeRef]store.Props{}, edges: map[edgeKey]store.Props{}}
}

func (g *graph) clone() *graph {
	c := &graph{
		nodes: make(map[nodeRef]store.Props, len(g.nodes)),
		edges: make(map[edgeKey]store.Props, len(g.edges)),
	}
	for k, v := range g.nodes {
		c.nodes[k] = v.Clone()
	}
	for k, v := range g.edges {
		c.edges[k] = v.Clone()
	}
	return c
}

type faults struct {
	unavailable error
	edgeErrs    map[store.EdgeKind]error
}

// Store is safe for concurrent use. A transaction holds the store lock for
// its whole duration, so fn must only use the tx it is handed.
type Store struct {
	mu     sync.Mutex
	g      *graph
	faults faults
}

func New() *Store {
	return &Store{g: newGraph(), faults: faults{edgeErrs: map[store.EdgeKind]error{}}}
}

// SetUnavailable makes every call fail as if the store could not be
// reached. Passing nil restores it.
func (s *Store) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.unavailable = err
}

// FailEdges makes UpsertEdge of kind return err. Passing nil clears it.
func (s *Store) FailEdges(kind store.EdgeKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults.edgeErrs, kind)
		return
	}
	s.faults.edgeErrs[kind] = err
}

// Dump returns every node and edge in adapter order.
func (s *Store) Dump() ([]store.Node, []store.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.view()
	nodes := make([]store.Node, 0, len(s.g.nodes))
	for ref, props := range s.g.nodes {
		nodes = append(nodes, v.node(ref, props))
	}
	store.SortNodes(nodes)
	edges := make([]store.Edge, 0, len(s.g.edges))
	for k, props := range s.g.edges {
		edges = append(edges, v.edge(k, props))
	}
	store.SortEdges(edges)
	return nodes, edges
}

func (s *Store) view() *view {
	return &view{g: s.g, faults: &s.faults}
}

func (s *Store) UpsertNode(ctx context.Context, kind store.Kind, keyProp string, props store.Props) (store.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpsertNode(ctx, kind, keyProp, props)
}

func (s *Store) GetNode(ctx context.Context, h store.Handle) (*store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetNode(ctx, h)
}

func (s *Store) UpdateNode(ctx context.Context, h store.Handle, props store.Props) (store.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateNode(ctx, h, props)
}

func (s *Store) DeleteNode(ctx context.Context, h store.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteNode(ctx, h)
}

func (s *Store) UpsertEdge(ctx context.Context, kind store.EdgeKind, from, to store.Handle, props store.Props, idempotent bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpsertEdge(ctx, kind, from, to, props, idempotent)
}

func (s *Store) RedirectEdges(ctx context.Context, from, to store.Handle, kinds []store.EdgeKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().RedirectEdges(ctx, from, to, kinds)
}

func (s *Store) DeleteEdge(ctx context.Context, kind store.EdgeKind, from, to store.Handle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteEdge(ctx, kind, from, to)
}

func (s *Store) FindNodes(ctx context.Context, kind store.Kind, filter store.Filter) ([]store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FindNodes(ctx, kind, filter)
}

func (s *Store) FindEdges(ctx context.Context, filter store.EdgeFilter) ([]store.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FindEdges(ctx, filter)
}

func (s *Store) FindNodesMissingEdge(ctx context.Context, kinds []store.Kind, edgeKind store.EdgeKind) ([]store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FindNodesMissingEdge(ctx, kinds, edgeKind)
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.GraphStorage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults.check(); err != nil {
		return err
	}
	work := s.g.clone()
	if err := fn(ctx, &view{g: work, faults: &s.faults}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.g = work
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().Ping(ctx)
}

func (s *Store) Close(context.Context) error { return nil }

func (f *faults) check() error {
	if f.unavailable != nil {
		return &common.StoreUnavailableError{Err: f.unavailable}
	}
	return nil
}

// view implements GraphStorage over one graph without locking. The store
// hands it out under its lock.
type view struct {
	g      *graph
	faults *faults
}

func (v *view) node(ref nodeRef, props store.Props) store.Node {
	return store.Node{Handle: store.NewHandle(ref.kind, ref.key), Props: props.Clone()}
}

func (v *view) edge(k edgeKey, props store.Props) store.Edge {
	return store.Edge{
		Kind:  k.kind,
		From:  store.NewHandle(k.from.kind, k.from.key),
		To:    store.NewHandle(k.to.kind, k.to.key),
		Props: props.Clone(),
	}
}

func refOf(h store.Handle) nodeRef { return nodeRef{kind: h.Kind, key: h.Key} }

func (v *view) checkUnique(kind store.Kind, self nodeRef, props store.Props) error {
	for _, prop := range store.UniqueProps(kind) {
		want := props[prop]
		if want == nil {
			continue
		}
		for ref, other := range v.g.nodes {
			if ref.kind != kind || ref == self {
				continue
			}
			if got, ok := other[prop]; ok && store.ValuesEqual(got, want) {
				return &common.DuplicateKeyError{Kind: string(kind), Key: fmt.Sprint(want),
					Err: fmt.Errorf("%s already used by %s", prop, ref.key)}
			}
		}
	}
	return nil
}

func (v *view) UpsertNode(_ context.Context, kind store.Kind, keyProp string, props store.Props) (store.Handle, error) {
	if err := v.faults.check(); err != nil {
		return store.Handle{}, err
	}
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
	ref := nodeRef{kind: kind, key: key}

	next := store.Props{}
	if cur, ok := v.g.nodes[ref]; ok {
		next = cur.Clone()
	}
	store.FillMissing(next, norm)
	if err := v.checkUnique(kind, ref, next); err != nil {
		return store.Handle{}, err
	}
	v.g.nodes[ref] = next
	return store.Handle{Kind: kind, KeyProp: keyProp, Key: key}, nil
}

func (v *view) GetNode(_ context.Context, h store.Handle) (*store.Node, error) {
	if err := v.faults.check(); err != nil {
		return nil, err
	}
	props, ok := v.g.nodes[refOf(h)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
	}
	n := v.node(refOf(h), props)
	return &n, nil
}

func (v *view) UpdateNode(_ context.Context, h store.Handle, props store.Props) (store.Handle, error) {
	if err := v.faults.check(); err != nil {
		return store.Handle{}, err
	}
	if err := store.CheckKind(h.Kind, h.KeyProp); err != nil {
		return store.Handle{}, err
	}
	ref := refOf(h)
	cur, ok := v.g.nodes[ref]
	if !ok {
		return store.Handle{}, fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
	}
	norm, err := store.Normalize(props)
	if err != nil {
		return store.Handle{}, err
	}
	next := cur.Clone()
	for k, val := range norm {
		if val == nil {
			delete(next, k)
			continue
		}
		next[k] = val
	}
	key, _ := next[h.KeyProp].(string)
	if key == "" {
		return store.Handle{}, fmt.Errorf("update %s: %s cannot be removed", h, h.KeyProp)
	}
	newRef := nodeRef{kind: h.Kind, key: key}
	if newRef != ref {
		if _, taken := v.g.nodes[newRef]; taken {
			return store.Handle{}, &common.DuplicateKeyError{Kind: string(h.Kind), Key: key}
		}
	}
	if err := v.checkUnique(h.Kind, ref, next); err != nil {
		return store.Handle{}, err
	}

	if newRef != ref {
		delete(v.g.nodes, ref)
		var incident []edgeKey
		for k := range v.g.edges {
			if k.from == ref || k.to == ref {
				incident = append(incident, k)
			}
		}
		for _, k := range incident {
			eprops := v.g.edges[k]
			delete(v.g.edges, k)
			if k.from == ref {
				k.from = newRef
			}
			if k.to == ref {
				k.to = newRef
			}
			v.g.edges[v.orient(k)] = eprops
		}
	}
	v.g.nodes[newRef] = next
	return store.Handle{Kind: h.Kind, KeyProp: h.KeyProp, Key: key}, nil
}

func (v *view) DeleteNode(_ context.Context, h store.Handle) error {
	if err := v.faults.check(); err != nil {
		return err
	}
	ref := refOf(h)
	if _, ok := v.g.nodes[ref]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
	}
	delete(v.g.nodes, ref)
	maps.DeleteFunc(v.g.edges, func(k edgeKey, _ store.Props) bool {
		return k.from == ref || k.to == ref
	})
	return nil
}

func (v *view) orient(k edgeKey) edgeKey {
	from, to := store.Orient(k.kind, store.NewHandle(k.from.kind, k.from.key), store.NewHandle(k.to.kind, k.to.key))
	return edgeKey{kind: k.kind, from: refOf(from), to: refOf(to)}
}

func (v *view) UpsertEdge(_ context.Context, kind store.EdgeKind, from, to store.Handle, props store.Props, idempotent bool) (bool, error) {
	if err := v.faults.check(); err != nil {
		return false, err
	}
	if err := store.CheckEdgeKind(kind); err != nil {
		return false, err
	}
	if err := v.faults.edgeErrs[kind]; err != nil {
		return false, err
	}
	for _, h := range []store.Handle{from, to} {
		if _, ok := v.g.nodes[refOf(h)]; !ok {
			return false, fmt.Errorf("%w: edge endpoint %s", store.ErrNodeNotFound, h)
		}
	}
	if refOf(from) == refOf(to) {
		return false, fmt.Errorf("edge %s from %s to itself", kind, from)
	}
	norm, err := store.Normalize(props)
	if err != nil {
		return false, err
	}

	k := v.orient(edgeKey{kind: kind, from: refOf(from), to: refOf(to)})
	cur, exists := v.g.edges[k]
	if !exists {
		next := store.Props{}
		store.FillMissing(next, norm)
		v.g.edges[k] = next
		return true, nil
	}
	next := cur.Clone()
	if idempotent {
		store.FillMissing(next, norm)
	} else {
		for pk, pv := range norm {
			if pv == nil {
				delete(next, pk)
				continue
			}
			next[pk] = pv
		}
	}
	v.g.edges[k] = next
	return false, nil
}

func (v *view) DeleteEdge(_ context.Context, kind store.EdgeKind, from, to store.Handle) (bool, error) {
	if err := v.faults.check(); err != nil {
		return false, err
	}
	if err := store.CheckEdgeKind(kind); err != nil {
		return false, err
	}
	k := v.orient(edgeKey{kind: kind, from: refOf(from), to: refOf(to)})
	if _, ok := v.g.edges[k]; !ok {
		return false, nil
	}
	delete(v.g.edges, k)
	return true, nil
}

func (v *view) RedirectEdges(_ context.Context, from, to store.Handle, kinds []store.EdgeKind) (int, error) {
	if err := v.faults.check(); err != nil {
		return 0, err
	}
	for _, k := range kinds {
		if err := store.CheckEdgeKind(k); err != nil {
			return 0, err
		}
	}
	src, dst := refOf(from), refOf(to)
	for _, h := range []store.Handle{from, to} {
		if _, ok := v.g.nodes[refOf(h)]; !ok {
			return 0, fmt.Errorf("%w: %s", store.ErrNodeNotFound, h)
		}
	}

	var incident []edgeKey
	for k := range v.g.edges {
		if (k.from == src || k.to == src) && (len(kinds) == 0 || slices.Contains(kinds, k.kind)) {
			incident = append(incident, k)
		}
	}
	slices.SortFunc(incident, compareEdgeKeys)

	moved := 0
	for _, k := range incident {
		props := v.g.edges[k]
		delete(v.g.edges, k)
		nk := k
		if nk.from == src {
			nk.from = dst
		}
		if nk.to == src {
			nk.to = dst
		}
		if nk.from == nk.to {
			continue
		}
		nk = v.orient(nk)
		if _, exists := v.g.edges[nk]; exists {
			continue
		}
		v.g.edges[nk] = props
		moved++
	}
	return moved, nil
}

func compareEdgeKeys(a, b edgeKey) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	if c := compareRefs(a.from, b.from); c != 0 {
		return c
	}
	return compareRefs(a.to, b.to)
}

func compareRefs(a, b nodeRef) int {
	return store.CompareHandles(store.Handle{Kind: a.kind, Key: a.key}, store.Handle{Kind: b.kind, Key: b.key})
}

func (v *view) FindNodes(_ context.Context, kind store.Kind, filter store.Filter) ([]store.Node, error) {
	if err := v.faults.check(); err != nil {
		return nil, err
	}
	if _, err := store.KeyProp(kind); err != nil {
		return nil, err
	}
	for name := range filter {
		if err := store.CheckPropName(name); err != nil {
			return nil, err
		}
	}
	var out []store.Node
	for ref, props := range v.g.nodes {
		if ref.kind == kind && props.Matches(filter) {
			out = append(out, v.node(ref, props))
		}
	}
	store.SortNodes(out)
	return out, nil
}

func (v *view) FindEdges(_ context.Context, filter store.EdgeFilter) ([]store.Edge, error) {
	if err := v.faults.check(); err != nil {
		return nil, err
	}
	if filter.Kind != "" {
		if err := store.CheckEdgeKind(filter.Kind); err != nil {
			return nil, err
		}
	}
	var out []store.Edge
	for k, props := range v.g.edges {
		e := v.edge(k, props)
		if store.MatchEdge(e, filter) {
			out = append(out, e)
		}
	}
	store.SortEdges(out)
	return out, nil
}

func (v *view) FindNodesMissingEdge(_ context.Context, kinds []store.Kind, edgeKind store.EdgeKind) ([]store.Node, error) {
	if err := v.faults.check(); err != nil {
		return nil, err
	}
	if err := store.CheckEdgeKind(edgeKind); err != nil {
		return nil, err
	}
	has := map[nodeRef]bool{}
	for k := range v.g.edges {
		if k.kind == edgeKind {
			has[k.from] = true
		}
	}
	var out []store.Node
	for ref, props := range v.g.nodes {
		if slices.Contains(kinds, ref.kind) && !has[ref] {
			out = append(out, v.node(ref, props))
		}
	}
	store.SortNodes(out)
	return out, nil
}

// WithTx inside a transaction acts as a savepoint: fn works on a copy that
// replaces the outer graph only when fn succeeds.
func (v *view) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.GraphStorage) error) error {
	work := v.g.clone()
	if err := fn(ctx, &view{g: work, faults: v.faults}); err != nil {
		return err
	}
	*v.g = *work
	return nil
}

func (v *view) Ping(context.Context) error {
	return v.faults.check()
}

func (v *view) Close(context.Context) error {
	return errors.New("close called inside a transaction")
}
