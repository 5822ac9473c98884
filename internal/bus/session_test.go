package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Thang0611/server-sub000/internal/bus"
	"github.com/Thang0611/server-sub000/pkg/models"
)

func TestChannelSessionDelivery(t *testing.T) {
	s := bus.NewChannelSession(2)
	assert.NotEmpty(t, s.ID())

	frame := bus.Frame{Event: "progress", Data: models.ProgressPayload{TaskID: 1, Percent: 10}}
	assert.NoError(t, s.Send(frame))

	got := <-s.Frames()
	assert.Equal(t, frame, got)
}

func TestChannelSessionDropsWhenFull(t *testing.T) {
	s := bus.NewChannelSession(1)
	assert.NoError(t, s.Send(bus.Frame{Event: "progress"}))
	// buffer is full; the frame is dropped, not blocked on
	assert.NoError(t, s.Send(bus.Frame{Event: "status"}))

	got := <-s.Frames()
	assert.Equal(t, "progress", got.Event)
	select {
	case extra := <-s.Frames():
		t.Fatalf("unexpected frame %v", extra)
	default:
	}
}

func TestChannelSessionClose(t *testing.T) {
	s := bus.NewChannelSession(1)
	s.Close()
	s.Close() // idempotent
	assert.ErrorIs(t, s.Send(bus.Frame{Event: "progress"}), bus.ErrSessionClosed)
}

func TestChannelSessionUniqueIDs(t *testing.T) {
	a := bus.NewChannelSession(1)
	b := bus.NewChannelSession(1)
	assert.NotEqual(t, a.ID(), b.ID())
}
