package runtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultSink_SubscribeReplaysThenStreams(t *testing.T) {
	sink := NewResultSink()
	sink.Record(Response{ID: "1"})
	sink.Record(Response{ID: "2"})

	obs := &recordingObserver{}
	sink.Subscribe(obs)
	assert.Equal(t, []string{"1", "2"}, responseIDs(obs.Responses()))

	sink.Record(Response{ID: "3"})
	assert.Equal(t, []string{"1", "2", "3"}, responseIDs(obs.Responses()))
	assert.Equal(t, 3, sink.Len())
}

func TestResultSink_DisposeStopsDelivery(t *testing.T) {
	sink := NewResultSink()
	obs := &recordingObserver{}
	sub := sink.Subscribe(obs)
	require.Equal(t, 1, sink.Observers())

	sink.Record(Response{ID: "1"})
	sub.Dispose()
	sub.Dispose()
	sink.Record(Response{ID: "2"})
	sink.Complete(nil)

	assert.Equal(t, []string{"1"}, responseIDs(obs.Responses()))
	assert.Zero(t, obs.Completed())
	assert.Zero(t, sink.Observers())
	assert.Equal(t, 2, sink.Len())
}

func TestResultSink_DuplicateSubscribeKeepsOneRegistration(t *testing.T) {
	sink := NewResultSink()
	sink.Record(Response{ID: "1"})

	obs := &recordingObserver{}
	first := sink.Subscribe(obs)
	second := sink.Subscribe(obs)

	assert.Same(t, first, second)
	assert.Equal(t, 1, sink.Observers())
	assert.Equal(t, []string{"1"}, responseIDs(obs.Responses()))

	sink.Record(Response{ID: "2"})
	assert.Equal(t, []string{"1", "2"}, responseIDs(obs.Responses()))
}

func TestResultSink_FuncObserversAreNotDeduplicated(t *testing.T) {
	sink := NewResultSink()
	var seen []string
	obs := ObserverFuncs{Next: func(r Response) { seen = append(seen, r.ID) }}

	sink.Subscribe(obs)
	sink.Subscribe(obs)
	sink.Record(Response{ID: "1"})

	assert.Equal(t, 2, sink.Observers())
	assert.Equal(t, []string{"1", "1"}, seen)
}

func TestResultSink_NilObserver(t *testing.T) {
	sink := NewResultSink()
	sub := sink.Subscribe(nil)
	require.NotNil(t, sub)
	sub.Dispose()
	assert.Zero(t, sink.Observers())
}

func TestResultSink_CompleteSignals(t *testing.T) {
	sink := NewResultSink()
	obs := &recordingObserver{}
	sink.Subscribe(obs)

	sink.Complete(nil)
	sink.Complete(errBoom)

	assert.Equal(t, 1, obs.Completed())
	require.Len(t, obs.Errors(), 1)
	assert.ErrorIs(t, obs.Errors()[0], errBoom)
	assert.Equal(t, 1, sink.Observers())
}

func TestResultSink_AppendAndPublish(t *testing.T) {
	sink := NewResultSink()
	obs := &recordingObserver{}
	sink.Subscribe(obs)

	sink.Append(Response{ID: "buffered"})
	sink.Publish(Response{ID: "live"})

	assert.Equal(t, []string{"live"}, responseIDs(obs.Responses()))
	assert.Equal(t, []string{"buffered"}, responseIDs(sink.Snapshot()))
}

func TestResultSink_SnapshotIsACopy(t *testing.T) {
	sink := NewResultSink()
	sink.Record(Response{ID: "1"})

	snap := sink.Snapshot()
	snap[0].ID = "changed"

	assert.Equal(t, "1", sink.Snapshot()[0].ID)
}

func TestResultSink_LateSubscriberSeesEveryResponseOnce(t *testing.T) {
	sink := NewResultSink()
	late := &recordingObserver{}

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				sink.Record(Response{ID: fmt.Sprintf("%d-%d", w, i)})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sink.Subscribe(late)
	}()
	wg.Wait()

	assert.Equal(t, responseIDs(sink.Snapshot()), responseIDs(late.Responses()))
	assert.Len(t, late.Responses(), 200)
}
