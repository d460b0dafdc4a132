package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	first, cancelFirst := bus.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe(4)
	defer cancelSecond()

	at := time.Date(2025, 6, 28, 10, 0, 0, 0, time.UTC)
	bus.Publish(FrameCount(at, 7))

	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindFrameCount, ev.Kind)
			assert.Equal(t, 7, ev.Count)
		case <-time.After(time.Second):
			t.Fatalf("expected event delivery")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Purged(time.Now(), 3))
	bus.Publish(Purged(time.Now(), 4))

	assert.Equal(t, uint64(1), bus.Dropped())
	ev := <-ch
	assert.Equal(t, 3, ev.Purged)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)
	bus.Publish(FrameCount(time.Now(), 1))
}

func TestFanoutSkipsNil(t *testing.T) {
	var got []Kind
	f := Fanout{nil, PublisherFunc(func(ev Event) { got = append(got, ev.Kind) })}
	f.Publish(StateChanged(time.Now(), "idle", "startup"))
	assert.Equal(t, []Kind{KindStateChanged}, got)
	OrDiscard(nil).Publish(Event{})
}

func TestCompileProgressFraction(t *testing.T) {
	ev := CompileProgress(time.Now(), "run", 1, 4)
	assert.Equal(t, KindCompileProgress, ev.Kind)
	assert.InDelta(t, 0.25, ev.Progress, 1e-9)

	empty := CompileProgress(time.Now(), "run", 0, 0)
	assert.Zero(t, empty.Progress)
}
