package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("unknown flag: --nope"), ExitUsage},
		{"usage", usageErrorf("--batch-id needs a single batch file"), ExitUsage},
		{"partial", partialErrorf("2 records failed"), ExitPartial},
		{"validation", &common.ValidationError{Messages: []string{"metadata.source is required"}}, ExitValidation},
		{"wrapped validation", fmt.Errorf("batch.json: %w", &common.ValidationError{}), ExitValidation},
		{"invalid id", &common.InvalidIdError{Kind: "wikidata_id", Value: "X1"}, ExitValidation},
		{"merge conflict", &common.MergeConflictError{PrimaryID: "Q1", DuplicateID: "Q2", Reason: "both carry a Q-ID"}, ExitValidation},
		{"missing node", fmt.Errorf("promote PROV:x: %w", store.ErrNodeNotFound), ExitValidation},
		{"resolved flag", review.ErrAlreadyResolved, ExitValidation},
		{"store", fmt.Errorf("ingest: %w", &common.StoreUnavailableError{Err: errors.New("connection refused")}), ExitStore},
		{"explicit code wins", &CLIError{Code: ExitPartial, Message: "dedupe incomplete", Cause: &common.MergeConflictError{}}, ExitPartial},
		{"cancelled", context.Canceled, ExitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCLIError_Error(t *testing.T) {
	err := &CLIError{Code: ExitUsage, Message: "invalid configuration", Cause: errors.New("CHRONOS_STORE_URL is required")}
	if err.Error() != "invalid configuration: CHRONOS_STORE_URL is required" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, err.Cause) {
		t.Fatal("expected the cause to unwrap")
	}
	if (&CLIError{Message: "only"}).Error() != "only" {
		t.Fatal("expected the bare message")
	}
}
