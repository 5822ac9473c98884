package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrSessionClosed is returned by Send once the session's buffer is closed.
var ErrSessionClosed = errors.New("session closed")

// ChannelSession is the default Session implementation: frames land in a
// bounded buffer the transport drains at its own pace. A full buffer drops
// the frame rather than blocking the broadcast; observers re-fetch durable
// state on reconnect anyway.
type ChannelSession struct {
	id        string
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannelSession(buffer int) *ChannelSession {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelSession{
		id:     uuid.NewString(),
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

func (s *ChannelSession) ID() string { return s.id }

// Frames is the transport's read side.
func (s *ChannelSession) Frames() <-chan Frame { return s.frames }

func (s *ChannelSession) Send(f Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.frames <- f:
		return nil
	default:
		// slow consumer; frame dropped, connection kept
		return nil
	}
}

// Close stops the session. Subsequent Sends fail, which makes the hub detach
// it on the next broadcast.
func (s *ChannelSession) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
