package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSink_AssignsSequenceAndPersists(t *testing.T) {
	log := &eventLog{}
	sink := NewSink("run-1", log, testLogger())
	defer sink.Close()

	sink.Emit(context.Background(), Event{Type: EventRunStart})
	sink.Emit(context.Background(), Event{Type: EventNodeStart, NodeID: "a"})
	sink.Emit(context.Background(), Event{Type: EventRunEnd})

	events := log.sorted()
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, i+1, ev.Seq)
		require.Equal(t, "run-1", ev.RunID)
		require.False(t, ev.Timestamp.IsZero())
	}
}

func TestSink_SubscriberReceivesLiveEvents(t *testing.T) {
	sink := NewSink("run-1", nil, testLogger())

	ch, cancel := sink.Subscribe(8)
	defer cancel()

	sink.Emit(context.Background(), Event{Type: EventRunStart})
	sink.Emit(context.Background(), Event{Type: EventRunEnd})

	first := <-ch
	require.Equal(t, EventRunStart, first.Type)
	require.Equal(t, 1, first.Seq)

	second := <-ch
	require.Equal(t, EventRunEnd, second.Type)
	require.Equal(t, 2, second.Seq)
}

func TestSink_SlowSubscriberDropsAndFlagsLag(t *testing.T) {
	sink := NewSink("run-1", nil, testLogger())

	ch, cancel := sink.Subscribe(1)
	defer cancel()

	// Buffer holds one event; the next two are dropped
	sink.Emit(context.Background(), Event{Type: EventRunStart})
	sink.Emit(context.Background(), Event{Type: EventNodeStart, NodeID: "a"})
	sink.Emit(context.Background(), Event{Type: EventNodeComplete, NodeID: "a"})

	first := <-ch
	require.Equal(t, EventRunStart, first.Type)
	require.NotContains(t, first.Data, "streamLagged")

	// The next delivered event carries the gap diagnostic
	sink.Emit(context.Background(), Event{Type: EventRunEnd})
	lagged := <-ch
	require.Equal(t, EventRunEnd, lagged.Type)
	require.Equal(t, true, lagged.Data["streamLagged"])
}

func TestSink_CloseEndsStreams(t *testing.T) {
	sink := NewSink("run-1", nil, testLogger())

	ch, cancel := sink.Subscribe(1)
	defer cancel()

	sink.Close()
	_, open := <-ch
	require.False(t, open)

	// Subscribing after close yields an already-closed stream
	late, lateCancel := sink.Subscribe(1)
	defer lateCancel()
	_, open = <-late
	require.False(t, open)
}

func TestSink_WriterFailureDoesNotStopStream(t *testing.T) {
	writer := EventWriterFunc(func(context.Context, Event) error {
		return errors.New("db down")
	})
	sink := NewSink("run-1", writer, testLogger())

	ch, cancel := sink.Subscribe(4)
	defer cancel()

	sink.Emit(context.Background(), Event{Type: EventRunStart})
	ev := <-ch
	require.Equal(t, EventRunStart, ev.Type)
}
