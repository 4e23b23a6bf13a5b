package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/slidescan/pkg/analysis"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func record(state analysis.JobState) analysis.StatusRecord {
	key := analysis.JobKey{ContainerPath: "slideA", FileID: "f1.svs", Variant: analysis.VariantNormalized}
	rec := analysis.Queued(key, time.Now(), 1)
	switch state {
	case analysis.StateRunning:
		rec = rec.Running(time.Now())
	case analysis.StateFailed:
		rec = rec.Running(time.Now()).Failed(analysis.ErrorInfo{Kind: analysis.KindExternalProcess, Message: "boom"}, time.Now())
	}
	return rec
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	b.Notify(record(analysis.StateQueued))

	for _, sub := range []*Subscription{s1, s2} {
		select {
		case e := <-sub.C:
			assert.Equal(t, EventJobStatusChanged, e.Name)
			assert.Equal(t, analysis.StateQueued, e.State)
			assert.NotEmpty(t, e.ID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, 2, b.Stats().Subscribers)
}

func TestPerKeyOrderPreserved(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe()

	states := []analysis.JobState{analysis.StateQueued, analysis.StateRunning, analysis.StateFailed}
	for _, s := range states {
		b.Notify(record(s))
	}
	for _, want := range states {
		e := <-sub.C
		assert.Equal(t, want, e.State)
	}
}

func TestFailedEventCarriesErrorInfo(t *testing.T) {
	e := FromRecord(record(analysis.StateFailed))
	require.NotNil(t, e.Error)
	assert.Equal(t, "boom", e.Error.Message)
	assert.Nil(t, e.Result)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	b.Notify(record(analysis.StateQueued))
	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, b.Stats().Subscribers)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New(WithBuffer(1))
	defer b.Close()
	slow := b.Subscribe()
	fast := b.Subscribe()

	done := make(chan struct{})
	var got []Event
	go func() {
		defer close(done)
		for e := range fast.C {
			got = append(got, e)
			if len(got) == 3 {
				return
			}
		}
	}()

	for range 3 {
		b.Notify(record(analysis.StateQueued))
		time.Sleep(5 * time.Millisecond)
	}
	<-done

	assert.Len(t, got, 3)
	assert.Equal(t, int64(2), slow.Dropped())
	assert.Equal(t, int64(2), b.Stats().Dropped)
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe()
			b.Notify(record(analysis.StateRunning))
			b.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	b.Close()

	after := b.Subscribe()
	_, open := <-after.C
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")
}
