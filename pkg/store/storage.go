package store

import (
	"context"
	"errors"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrUnknownKind      = errors.New("unknown kind")
	ErrInvalidProperty  = errors.New("invalid property name")
	ErrUnsupportedValue = errors.New("unsupported property value")
	// ErrTxAborted is wrapped by a nested WithTx that failed on an adapter
	// without savepoints. Its writes could not be undone on their own, so
	// the enclosing transaction has to be rolled back.
	ErrTxAborted = errors.New("enclosing transaction aborted")
)

type abortedTx struct{ err error }

func (e *abortedTx) Error() string   { return ErrTxAborted.Error() + ": " + e.err.Error() }
func (e *abortedTx) Unwrap() []error { return []error{ErrTxAborted, e.err} }

// AbortTx marks err as the failure of a nested transaction that took the
// enclosing one down with it.
func AbortTx(err error) error {
	if err == nil || errors.Is(err, ErrTxAborted) {
		return err
	}
	return &abortedTx{err: err}
}

// RolledBack returns the cause of an AbortTx error. Adapters call it once
// the outermost transaction is rolled back, since nothing is left to abort.
func RolledBack(err error) error {
	var a *abortedTx
	if errors.As(err, &a) {
		return a.err
	}
	return err
}

// GraphStorage is the single adapter the pipeline talks to. Node and edge
// kinds come from a closed whitelist and every value travels as a query
// parameter, never as query text.
//
// Implementations wrap connectivity failures in *common.StoreUnavailableError
// and uniqueness violations in *common.DuplicateKeyError.
type GraphStorage interface {
	// UpsertNode merges on (kind, keyProp). A new node receives every
	// non-nil property, an existing one only those it does not carry yet.
	UpsertNode(ctx context.Context, kind Kind, keyProp string, props Props) (Handle, error)
	GetNode(ctx context.Context, h Handle) (*Node, error)
	// UpdateNode sets props on an existing node. A nil value removes the
	// property; a new key value re-keys the node and keeps its edges.
	UpdateNode(ctx context.Context, h Handle, props Props) (Handle, error)
	DeleteNode(ctx context.Context, h Handle) error

	// UpsertEdge reports whether a new edge was created. No two edges of one
	// kind share endpoints; when idempotent is set an existing edge only
	// gains missing properties, otherwise its properties are overwritten.
	UpsertEdge(ctx context.Context, kind EdgeKind, from, to Handle, props Props, idempotent bool) (bool, error)
	// RedirectEdges moves every edge of kinds incident to from onto to and
	// returns the number moved. An edge that would collide with one already
	// on to is dropped, and edges between from and to are removed. An empty
	// kinds slice means all edge kinds.
	RedirectEdges(ctx context.Context, from, to Handle, kinds []EdgeKind) (int, error)
	// DeleteEdge removes the edge of kind between from and to and reports
	// whether one existed.
	DeleteEdge(ctx context.Context, kind EdgeKind, from, to Handle) (bool, error)

	FindNodes(ctx context.Context, kind Kind, filter Filter) ([]Node, error)
	FindEdges(ctx context.Context, filter EdgeFilter) ([]Edge, error)
	// FindNodesMissingEdge returns nodes of kinds without an outgoing edge
	// of edgeKind.
	FindNodesMissingEdge(ctx context.Context, kinds []Kind, edgeKind EdgeKind) ([]Node, error)

	// WithTx runs fn inside one transaction. Calls on tx are part of it;
	// returning an error rolls everything back. A nested call rolls back
	// only its own writes, or returns an error wrapping ErrTxAborted when
	// the adapter cannot do that.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx GraphStorage) error) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
