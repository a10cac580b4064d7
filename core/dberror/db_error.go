package dberror

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// Transaction lifecycle
	ErrAlreadyInProgress   = errors.New("cannot begin a transaction because another transaction is in progress")
	ErrNoneInProgress      = errors.New("no transaction is in progress")
	ErrOperationInProgress = errors.New("there is an operation in progress that uses this transaction")

	ErrPermissionDenied = errors.New("permission denied")
	ErrStore            = errors.New("store error")
	ErrClosedResource   = errors.New("closed resource")
	ErrConversion       = errors.New("value conversion error")

	ErrTypeNotFound    = errors.New("type not found")
	ErrInvalidQuery    = errors.New("invalid query")
	ErrSessionNotFound = errors.New("session not found")
)

// Store wraps an engine failure so that it matches ErrStore while keeping the
// underlying cause reachable through errors.Is/As.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// Conversion reports a value that the codec refuses to represent.
func Conversion(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConversion, fmt.Sprintf(format, args...))
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrAlreadyInProgress, "AlreadyInProgress"},
	{ErrNoneInProgress, "NoneInProgress"},
	{ErrOperationInProgress, "OperationInProgress"},
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrClosedResource, "ClosedResource"},
	{ErrConversion, "ConversionError"},
	{ErrTypeNotFound, "TypeNotFound"},
	{ErrInvalidQuery, "InvalidQuery"},
	{ErrSessionNotFound, "SessionNotFound"},
	{ErrStore, "StoreError"},
}

// Kind names the taxonomy bucket of err, or "Unknown".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}
