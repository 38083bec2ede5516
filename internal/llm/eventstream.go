package llm

import (
	"context"
	"io"
	"net/http"
	"time"
)

// defaultHTTPClient is shared by provider adapters that speak raw HTTP
// (the Open Responses client). A generous timeout accommodates long
// streaming responses; per-request cancellation still goes through ctx.
var defaultHTTPClient = &http.Client{Timeout: 10 * time.Minute}

// eventStream adapts a producer goroutine writing to a channel into the
// pull-based Stream interface every provider adapter returns.
type eventStream struct {
	events chan Event
	errc   chan error
	cancel context.CancelFunc
	err    error
	done   bool
}

// newEventStream runs produce in a goroutine and returns a Stream that
// yields whatever it sends on the events channel, then surfaces its
// returned error (if any) from Recv() in place of io.EOF; later calls
// return io.EOF.
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event),
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		s.errc <- produce(ctx, s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	event, ok := <-s.events
	if ok {
		return event, nil
	}
	s.done = true
	if err := <-s.errc; err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *eventStream) Close() error {
	s.cancel()
	return nil
}
