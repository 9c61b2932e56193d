package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/store"
	"github.com/gcquraishi/chronosgraph/pkg/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	published []published
	declared  []string
	failWith  error
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	f.declared = append(f.declared, name)
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.declared = append(f.declared, "exchange:"+name)
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.acked++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.nacked++
	return nil
}

type memObjects struct {
	data map[string][]byte
}

func newMemObjects() *memObjects { return &memObjects{data: map[string][]byte{}} }

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	d, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return d, nil
}

func (m *memObjects) Put(_ context.Context, key string, data []byte) (string, error) {
	m.data[key] = data
	return key, nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

type fakeNarrative struct {
	n   *ai.Narrative
	err error
}

func (f fakeNarrative) EnrichWork(context.Context, common.MediaWork) (*ai.Narrative, error) {
	return f.n, f.err
}

type fixture struct {
	store   *memory.Store
	objects *memObjects
	events  *fakeChannel
	dir     string
	handler *Handler
}

func newFixture(t *testing.T, narrative ai.NarrativeEnrichmentService) *fixture {
	t.Helper()
	fx := &fixture{store: memory.New(), objects: newMemObjects(), events: &fakeChannel{}, dir: t.TempDir()}
	fx.handler = NewHandler(NewHandlerParams{
		Base:        graph.IngestionContext{Store: fx.store, Narrative: narrative, Now: func() time.Time { return testNow }},
		Objects:     fx.objects,
		Events:      fx.events,
		ReportDir:   fx.dir,
		IngestQueue: "chronos.ingest",
		EnrichQueue: "chronos.enrich",
	})
	return fx
}

func caesarBatch() *common.Batch {
	return &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
		Figures:  []common.HistoricalFigure{{CanonicalID: "Q1048", WikidataID: "Q1048", Name: "Julius Caesar", BirthYear: common.IntPtr(-100)}},
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestSetupQueues(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, SetupQueues(ch, []string{"chronos.ingest"}))
	assert.Equal(t, []string{"exchange:" + EventsExchange, "chronos.ingest", "chronos.ingest_dlq", "chronos.ingest_retry"}, ch.declared)
}

func TestHandle_UnknownQueue(t *testing.T) {
	fx := newFixture(t, nil)
	err := fx.handler.Handle(context.Background(), "other", []byte(`{}`))
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestHandleIngest_Inline(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)

	body := mustJSON(t, IngestMsg{BatchID: "batch-q1", Batch: caesarBatch(), Execute: true})
	require.NoError(t, fx.handler.Handle(ctx, "chronos.ingest", body))

	n, err := fx.store.GetNode(ctx, store.NewHandle(store.KindFigure, "Q1048"))
	require.NoError(t, err)
	assert.Equal(t, "Julius Caesar", n.Props.Str("name"))

	_, err = os.Stat(filepath.Join(fx.dir, "ingest", "batch-q1.md"))
	assert.NoError(t, err)
	assert.Contains(t, fx.objects.data, "reports/ingest/batch-q1.json")

	require.Len(t, fx.events.published, 1)
	ev := fx.events.published[0]
	assert.Equal(t, EventsExchange, ev.exchange)
	assert.Equal(t, TopicBatchFinished, ev.key)
	var got BatchEvent
	require.NoError(t, json.Unmarshal(ev.msg.Body, &got))
	assert.Equal(t, "batch-q1", got.BatchID)
	assert.False(t, got.DryRun)
	assert.Len(t, got.Reports, 4)
}

func TestHandleIngest_DryRunByDefault(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)

	require.NoError(t, fx.handler.HandleIngest(ctx, mustJSON(t, IngestMsg{Batch: caesarBatch()})))

	_, err := fx.store.GetNode(ctx, store.NewHandle(store.KindFigure, "Q1048"))
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
}

func TestHandleIngest_FromObjectStore(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	fx.objects.data["batches/b7.json"] = mustJSON(t, caesarBatch())

	require.NoError(t, fx.handler.HandleIngest(ctx, mustJSON(t, IngestMsg{BatchID: "b7", ObjectKey: "batches/b7.json", Execute: true})))

	_, err := fx.store.GetNode(ctx, store.NewHandle(store.KindFigure, "Q1048"))
	assert.NoError(t, err)
}

func TestHandleIngest_Failures(t *testing.T) {
	noMetadata := caesarBatch()
	noMetadata.Metadata = common.BatchMetadata{}

	tests := []struct {
		name      string
		body      []byte
		permanent bool
	}{
		{"malformed json", []byte(`{"batch":`), true},
		{"no batch", []byte(`{"execute":true}`), true},
		{"unknown agent", mustJSON(t, IngestMsg{Batch: caesarBatch(), AgentID: "ghost"}), true},
		{"missing metadata", mustJSON(t, IngestMsg{Batch: noMetadata, Execute: true}), true},
		{"missing object", mustJSON(t, IngestMsg{ObjectKey: "batches/none.json"}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, nil)
			err := fx.handler.HandleIngest(context.Background(), tt.body)
			if err == nil {
				t.Fatal("expected an error")
			}
			if IsPermanent(err) != tt.permanent {
				t.Fatalf("expected permanent=%v, got %v", tt.permanent, err)
			}
		})
	}
}

func TestHandleEnrich(t *testing.T) {
	ctx := context.Background()
	narrative := fakeNarrative{n: &ai.Narrative{
		Summary: "A general becomes a gladiator.",
		EraTags: []ai.EraSuggestion{{Name: "Roman Empire", Confidence: 0.9}},
	}}

	t.Run("tags stored work", func(t *testing.T) {
		fx := newFixture(t, narrative)
		h, err := fx.store.UpsertNode(ctx, store.KindMedia, "media_id", store.Props{"media_id": "MW_128758", "wikidata_id": "Q128758", "title": "Gladiator"})
		require.NoError(t, err)

		require.NoError(t, fx.handler.Handle(ctx, "chronos.enrich", []byte(`{"wikidata_id":"Q128758","execute":true}`)))

		edges, err := fx.store.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeTaggedWith, From: &h})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, "narrative-enricher", edges[0].Props.Str("added_by"))
		require.Len(t, fx.events.published, 1)
		assert.Equal(t, TopicWorkEnriched, fx.events.published[0].key)
	})

	t.Run("unknown work is permanent", func(t *testing.T) {
		fx := newFixture(t, narrative)
		err := fx.handler.HandleEnrich(ctx, []byte(`{"wikidata_id":"Q1"}`))
		if !IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	})

	t.Run("rate limit is retried", func(t *testing.T) {
		fx := newFixture(t, fakeNarrative{err: &common.TransientExternalError{Code: common.CodeTooMany}})
		_, err := fx.store.UpsertNode(ctx, store.KindMedia, "media_id", store.Props{"media_id": "MW_128758", "wikidata_id": "Q128758", "title": "Gladiator"})
		require.NoError(t, err)

		err = fx.handler.HandleEnrich(ctx, []byte(`{"wikidata_id":"Q128758"}`))
		if err == nil || IsPermanent(err) {
			t.Fatalf("expected retryable error, got %v", err)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		fx := newFixture(t, nil)
		err := fx.handler.HandleEnrich(ctx, []byte(`{"wikidata_id":"Q128758"}`))
		if !IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	})

	t.Run("invalid qid", func(t *testing.T) {
		fx := newFixture(t, narrative)
		err := fx.handler.HandleEnrich(ctx, []byte(`{"wikidata_id":"Caesar"}`))
		if !IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	})
}

func TestHandleProcessingError(t *testing.T) {
	tests := []struct {
		name        string
		headers     amqp091.Table
		permanent   bool
		wantQueue   string
		wantRetries any
	}{
		{"first failure", nil, false, "chronos.ingest_retry", int32(1)},
		{"counts up", amqp091.Table{"x-retries": int32(4)}, false, "chronos.ingest_retry", int32(5)},
		{"out of retries", amqp091.Table{"x-retries": int32(MaxRetries)}, false, "chronos.ingest_dlq", int32(MaxRetries)},
		{"permanent", nil, true, "chronos.ingest_dlq", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{}
			ack := &fakeAck{}
			msg := amqp091.Delivery{Acknowledger: ack, Headers: tt.headers, Body: []byte(`{}`)}

			handleProcessingError(ch, msg, "chronos.ingest", tt.permanent)

			if len(ch.published) != 1 {
				t.Fatalf("expected 1 publish, got %d", len(ch.published))
			}
			if got := ch.published[0].key; got != tt.wantQueue {
				t.Fatalf("expected queue %s, got %s", tt.wantQueue, got)
			}
			if got := ch.published[0].msg.Headers["x-retries"]; got != tt.wantRetries {
				t.Fatalf("expected x-retries %v, got %v", tt.wantRetries, got)
			}
			if ack.acked != 1 {
				t.Fatalf("expected original to be acked once, got %d", ack.acked)
			}
		})
	}
}

func TestHandleProcessingError_PublishFails(t *testing.T) {
	ch := &fakeChannel{failWith: errors.New("channel closed")}
	ack := &fakeAck{}

	handleProcessingError(ch, amqp091.Delivery{Acknowledger: ack}, "chronos.ingest", false)

	if ack.acked != 0 || ack.nacked != 1 || !ack.requeue {
		t.Fatalf("expected a requeueing nack, got acked=%d nacked=%d requeue=%v", ack.acked, ack.nacked, ack.requeue)
	}
}

type fakeAI struct {
	m      ai.ModelMetrics
	resets int
}

func (f *fakeAI) GenerateJSON(context.Context, string, ai.Format, any, ...ai.GenerateOption) error {
	return nil
}

func (f *fakeAI) ResetMetrics() {
	f.m = ai.ModelMetrics{}
	f.resets++
}

func (f *fakeAI) GetMetrics() ai.ModelMetrics { return f.m }

func TestReportUsage_ResetsAfterEachMessage(t *testing.T) {
	client := &fakeAI{m: ai.ModelMetrics{Requests: 2, InputTokens: 800, OutputTokens: 120, TotalTokens: 920, DurationMs: 3_723_000}}
	h := NewHandler(NewHandlerParams{Base: graph.IngestionContext{Store: memory.New()}, AI: client, IngestQueue: "chronos.ingest", EnrichQueue: "chronos.enrich"})

	h.reportUsage()
	if client.resets != 1 || client.m.Requests != 0 {
		t.Fatalf("expected metrics to be reset, got %+v after %d resets", client.m, client.resets)
	}
	h.reportUsage()
	if client.resets != 2 {
		t.Fatalf("expected a reset even without usage, got %d", client.resets)
	}

	if got := clock(3723 * time.Second); got != "01:02:03" {
		t.Fatalf("expected 01:02:03, got %s", got)
	}
}
