package pgx

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/store"
	"github.com/gcquraishi/chronosgraph/pkg/store/storetest"
)

func TestGraphDBStorage_Conformance(t *testing.T) {
	url := os.Getenv("CHRONOS_TEST_PG_URL")
	if url == "" {
		t.Skip("CHRONOS_TEST_PG_URL not set")
	}
	ctx := context.Background()
	s, err := NewGraphDBStorage(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })

	storetest.Run(t, func(t *testing.T) store.GraphStorage {
		_, err := s.conn.Exec(ctx, `TRUNCATE graph_edges, graph_nodes RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		return s
	})
}

func TestDecodeProps(t *testing.T) {
	props, err := decodeProps([]byte(`{"birth_year": -100, "confidence": 0.85, "aliases": ["Caesar"], "is_fictional": false}`))
	require.NoError(t, err)

	assert.Equal(t, int64(-100), props["birth_year"])
	assert.Equal(t, 0.85, props["confidence"])
	assert.Equal(t, []string{"Caesar"}, props["aliases"])
	assert.Equal(t, false, props["is_fictional"])

	empty, err := decodeProps(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMapErr(t *testing.T) {
	dup := mapErr(&pgconn.PgError{Code: uniqueViolation, TableName: "graph_nodes", ConstraintName: "graph_nodes_media_wikidata_id"})
	var dk *common.DuplicateKeyError
	assert.True(t, errors.As(dup, &dk))

	plain := errors.New("syntax")
	assert.Equal(t, plain, mapErr(plain))
	assert.Nil(t, mapErr(nil))
}
