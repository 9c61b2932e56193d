package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("CHRONOS_LOG_LEVEL", "  ")
	t.Setenv("LOG_LEVEL", "warn")
	if got := GetEnv("CHRONOS_LOG_LEVEL", "LOG_LEVEL"); got != "warn" {
		t.Fatalf("expected blank prefixed value to fall through, got %q", got)
	}
	t.Setenv("CHRONOS_LOG_LEVEL", "debug")
	if got := GetEnv("CHRONOS_LOG_LEVEL", "LOG_LEVEL"); got != "debug" {
		t.Fatalf("expected prefixed value to win, got %q", got)
	}
	if got := GetEnv("CHRONOS_TEST_MISSING"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("CHRONOS_TEST_BOOL", "TRUE")
	t.Setenv("CHRONOS_TEST_BAD_BOOL", "sometimes")

	tests := []struct {
		key  string
		def  bool
		want bool
	}{
		{"CHRONOS_TEST_BOOL", false, true},
		{"CHRONOS_TEST_BAD_BOOL", true, true},
		{"CHRONOS_TEST_MISSING", true, true},
		{"CHRONOS_TEST_MISSING", false, false},
	}
	for _, tt := range tests {
		if got := GetEnvBool(tt.def, tt.key); got != tt.want {
			t.Fatalf("%s (default %v): expected %v, got %v", tt.key, tt.def, tt.want, got)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chronos.env")
	if err := os.WriteFile(path, []byte("CHRONOS_TEST_FROM_FILE=yes\nCHRONOS_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHRONOS_TEST_PRESET", "env")
	t.Cleanup(func() { os.Unsetenv("CHRONOS_TEST_FROM_FILE") })

	loaded := LoadEnv(filepath.Join(dir, "missing.env"), path)
	if len(loaded) != 1 || loaded[0] != path {
		t.Fatalf("expected only the existing file to load, got %v", loaded)
	}
	if got := os.Getenv("CHRONOS_TEST_FROM_FILE"); got != "yes" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("CHRONOS_TEST_PRESET"); got != "env" {
		t.Fatalf("expected the environment to win, got %q", got)
	}
}
