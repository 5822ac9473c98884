package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveFulfillment(t *testing.T) {
	task := func(s TaskStatus) Task { return Task{Status: s} }

	t.Run("no tasks means pending", func(t *testing.T) {
		assert.Equal(t, PendingFulfillment, DeriveFulfillment(nil))
	})

	t.Run("all completed", func(t *testing.T) {
		got := DeriveFulfillment([]Task{task(CompletedTaskStatus), task(CompletedTaskStatus)})
		assert.Equal(t, CompletedFulfillment, got)
	})

	t.Run("one failed dominates", func(t *testing.T) {
		got := DeriveFulfillment([]Task{task(CompletedTaskStatus), task(FailedTaskStatus)})
		assert.Equal(t, FailedFulfillment, got)
	})

	t.Run("anything in flight means processing", func(t *testing.T) {
		got := DeriveFulfillment([]Task{task(CompletedTaskStatus), task(EnrolledTaskStatus)})
		assert.Equal(t, ProcessingFulfillment, got)
		got = DeriveFulfillment([]Task{task(PendingTaskStatus)})
		assert.Equal(t, ProcessingFulfillment, got)
	})

	t.Run("legacy alias counts as in flight", func(t *testing.T) {
		got := DeriveFulfillment([]Task{task("NEW"), task(CompletedTaskStatus)})
		assert.Equal(t, ProcessingFulfillment, got)
	})
}
