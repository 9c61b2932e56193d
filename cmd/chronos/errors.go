package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// Exit codes of the chronos CLI.
const (
	ExitSuccess = 0
	// ExitUsage covers bad flags, arguments and configuration.
	ExitUsage = 1
	// ExitValidation is returned when input or a requested change is
	// rejected by the graph rules.
	ExitValidation = 2
	// ExitStore means the graph store could not be reached.
	ExitStore = 3
	// ExitPartial means the run finished but some records failed or the
	// graph is not healthy.
	ExitPartial = 4
)

// CLIError carries an explicit exit code.
type CLIError struct {
	Code    int
	Message string
	Cause   error
}

func (e *CLIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CLIError) Unwrap() error {
	return e.Cause
}

func usageErrorf(format string, args ...any) error {
	return &CLIError{Code: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

func partialErrorf(format string, args ...any) error {
	return &CLIError{Code: ExitPartial, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps err to the exit code of the process.
func ExitCode(err error) int {
	var ce *CLIError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ce):
		return ce.Code
	case common.IsStoreUnavailable(err):
		return ExitStore
	case isRejected(err):
		return ExitValidation
	default:
		return ExitUsage
	}
}

func isRejected(err error) bool {
	var (
		ve *common.ValidationError
		ie *common.InvalidIdError
		me *common.MergeConflictError
		ne *common.NotFoundError
		ae *common.AmbiguousResolutionError
		de *common.DuplicateKeyError
	)
	if errors.As(err, &ve) || errors.As(err, &ie) || errors.As(err, &me) ||
		errors.As(err, &ne) || errors.As(err, &ae) || errors.As(err, &de) {
		return true
	}
	for _, target := range []error{
		store.ErrNodeNotFound,
		review.ErrNotFlagKind,
		review.ErrInvalidStatus,
		review.ErrAlreadyResolved,
		review.ErrMissingResolver,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// HandleError prints err and returns the exit code for it.
func HandleError(cmd *cobra.Command, err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		cmd.PrintErrln("Operation cancelled")
	} else {
		cmd.PrintErrln("Error:", err)
	}
	return ExitCode(err)
}
