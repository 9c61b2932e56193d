package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcquraishi/chronosgraph/internal/app"
	"github.com/gcquraishi/chronosgraph/internal/config"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := &config.Config{
		StoreDriver:        config.DriverMemory,
		AIProvider:         config.AIProviderNone,
		WikidataURL:        "http://127.0.0.1:1",
		CacheSize:          16,
		FuzzyThreshold:     0.85,
		BirthYearTolerance: 20,
		AgentID:            "web-ui-generic",
		ReportDir:          t.TempDir(),
		DedupeSchedule:     "0 3 * * *",
		AuditSchedule:      "30 3 * * *",
	}
	a, err := app.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func reportFiles(t *testing.T, a *app.App, kind string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(a.Config.ReportDir, kind))
	require.NoError(t, err)
	return entries
}

func TestSchedule(t *testing.T) {
	a := newTestApp(t)

	c, err := schedule(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)

	a.Config.AuditSchedule = ""
	c, err = schedule(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	a.Config.DedupeSchedule = "every night"
	_, err = schedule(context.Background(), a)
	assert.Error(t, err)
}

func TestAuditJob(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	_, err := a.Store.UpsertNode(ctx, store.KindFigure, "canonical_id", store.Props{"canonical_id": "Q1048", "name": "Julius Caesar"})
	require.NoError(t, err)

	require.NoError(t, auditJob(ctx, a))
	assert.Len(t, reportFiles(t, a, "audit"), 2)

	res, err := a.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts[0])
	assert.Equal(t, []string{"HistoricalFigure:Q1048"}, res.Missing)
}

func TestScanJob(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, scanJob(context.Background(), a))
	assert.Len(t, reportFiles(t, a, "dedupe"), 2)
}
