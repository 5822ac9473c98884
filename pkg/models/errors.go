package models

import "fmt"

// ValidationError rejects bad input before any mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// StatusConflictError reports a conditional status update whose guard did
// not match: another writer got there first. Callers must surface this,
// never swallow it.
type StatusConflictError struct {
	TaskID   int64
	Expected TaskStatus
	Next     TaskStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("task %d: status is no longer %s, refusing transition to %s",
		e.TaskID, e.Expected, e.Next)
}

// InvariantError marks a row that violates a lifecycle invariant, such as a
// COMPLETED task without a result link. It is repaired by an explicit
// maintenance pass, never silently ignored.
type InvariantError struct {
	TaskID int64
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("task %d: invariant violated: %s", e.TaskID, e.Detail)
}
