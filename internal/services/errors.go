package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateQueueEntry = errors.New("duplicate queue entry")
	ErrAlreadyInProgress   = errors.New("already in progress")
	ErrProcessSpawn        = errors.New("process spawn error")
	ErrProcessExecution    = errors.New("process execution error")
	ErrFinalize            = errors.New("finalize error")
	ErrRemoteUnreachable   = errors.New("remote unreachable")
	ErrRemoteAuth          = errors.New("remote auth error")
	ErrRemoteSpawn         = errors.New("remote spawn error")
	ErrStorage             = errors.New("storage error")
	ErrCapacity            = errors.New("dispatcher at capacity")
	ErrValidation          = errors.New("validation error")
	ErrConfiguration       = errors.New("configuration error")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrStorage
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

var kinds = []struct {
	marker error
	kind   string
}{
	{ErrNotFound, "not_found"},
	{ErrDuplicateQueueEntry, "duplicate_queue_entry"},
	{ErrAlreadyInProgress, "already_in_progress"},
	{ErrCapacity, "capacity"},
	{ErrProcessSpawn, "process_spawn"},
	{ErrProcessExecution, "process_execution"},
	{ErrFinalize, "finalize"},
	{ErrRemoteUnreachable, "remote_unreachable"},
	{ErrRemoteAuth, "remote_auth"},
	{ErrRemoteSpawn, "remote_spawn"},
	{ErrValidation, "validation"},
	{ErrConfiguration, "configuration"},
	{ErrStorage, "storage"},
}

// Kind returns the stable identifier of the first marker carried by err, or
// "internal" when err carries none.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.marker) {
			return k.kind
		}
	}
	return "internal"
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
