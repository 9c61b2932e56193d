package logger

import "testing"

type recordingLogger struct {
	lines  []string
	synced int
}

func (r *recordingLogger) Log(m string, kv ...any)   { r.lines = append(r.lines, "log:"+m) }
func (r *recordingLogger) Debug(m string, kv ...any) { r.lines = append(r.lines, "debug:"+m) }
func (r *recordingLogger) Info(m string, kv ...any)  { r.lines = append(r.lines, "info:"+m) }
func (r *recordingLogger) Warn(m string, kv ...any)  { r.lines = append(r.lines, "warn:"+m) }
func (r *recordingLogger) Error(m string, kv ...any) { r.lines = append(r.lines, "error:"+m) }
func (r *recordingLogger) Fatal(m string, kv ...any) { r.lines = append(r.lines, "fatal:"+m) }
func (r *recordingLogger) Sync() error               { r.synced++; return nil }

func TestDispatchToAllInstances(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	Init(a, b)
	defer Init()

	Info("[Ingest] Started", "batch_id", "b1")
	Warn("[Resolver] Low confidence")
	Sync()

	for _, r := range []*recordingLogger{a, b} {
		if len(r.lines) != 2 || r.lines[0] != "info:[Ingest] Started" || r.lines[1] != "warn:[Resolver] Low confidence" {
			t.Fatalf("unexpected lines %v", r.lines)
		}
		if r.synced != 1 {
			t.Fatalf("expected one sync, got %d", r.synced)
		}
	}
}

func TestFatal_FlushesBeforeExit(t *testing.T) {
	r := &recordingLogger{}
	Init(r)
	defer Init()

	code := -1
	restore := exit
	exit = func(c int) { code = c }
	defer func() { exit = restore }()

	Fatal("[App] Store unreachable")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if len(r.lines) != 1 || r.lines[0] != "error:[App] Store unreachable" || r.synced != 1 {
		t.Fatalf("expected one flushed error line, got %v (synced %d)", r.lines, r.synced)
	}
}

func TestCallsBeforeInitAreDropped(t *testing.T) {
	backends.Store(nil)
	Info("nobody listens")
	Sync()
}
