package notify

import "sync"

// ChannelSink forwards notifications to a Go channel without blocking the
// publisher: when the channel is full the notification is dropped.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan<- Notification
	closed bool
	drops  int
}

// NewChannelSink creates a ChannelSink writing to ch.
func NewChannelSink(ch chan<- Notification) *ChannelSink {
	return &ChannelSink{ch: ch}
}

// Listener returns a Listener suitable for Bus.Subscribe.
func (s *ChannelSink) Listener() Listener {
	return s.send
}

func (s *ChannelSink) send(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- n:
	default:
		s.drops++
	}
}

// Dropped reports how many notifications were discarded on a full channel.
func (s *ChannelSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Close closes the channel. Later notifications are ignored.
func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
