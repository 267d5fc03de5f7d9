package transitbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceCreated struct{ ID string }
type connectionClosed struct{ ID string }

func TestBus_DirectHandlerReceivesOnlyItsType(t *testing.T) {
	bus := New()
	defer bus.Stop()

	var got []string
	var mu sync.Mutex
	RegisterDirect(bus, func(msg sequenceCreated) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.ID)
	})
	RegisterDirect(bus, func(msg connectionClosed) {
		t.Fatalf("connectionClosed handler should not receive sequenceCreated")
	})

	bus.Dispatch(sequenceCreated{ID: "seq-1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"seq-1"}, got)
}

func TestBus_DirectHandlerPanicDoesNotAffectOthers(t *testing.T) {
	bus := New()
	defer bus.Stop()

	var ran atomic.Bool
	RegisterDirect(bus, func(msg sequenceCreated) { panic("boom") })
	RegisterDirect(bus, func(msg sequenceCreated) { ran.Store(true) })

	assert.NotPanics(t, func() { bus.Dispatch(sequenceCreated{ID: "x"}) })
	assert.True(t, ran.Load())
}

func TestBus_BatchedHandlerFlushesOnSize(t *testing.T) {
	bus := New()
	defer bus.Stop()

	flushed := make(chan []sequenceCreated, 4)
	RegisterBatched(bus, 3, time.Hour, func(batch []sequenceCreated) {
		flushed <- batch
	})

	for i := 0; i < 3; i++ {
		bus.Dispatch(sequenceCreated{ID: "seq"})
	}

	select {
	case batch := <-flushed:
		assert.Len(t, batch, 3)
	case <-time.After(time.Second):
		t.Fatal("expected size-triggered flush")
	}
}

func TestBus_BatchedHandlerFlushesOnDelay(t *testing.T) {
	bus := New()
	defer bus.Stop()

	flushed := make(chan []sequenceCreated, 4)
	RegisterBatched(bus, 100, 30*time.Millisecond, func(batch []sequenceCreated) {
		flushed <- batch
	})

	bus.Dispatch(sequenceCreated{ID: "solo"})

	select {
	case batch := <-flushed:
		require.Len(t, batch, 1)
		assert.Equal(t, "solo", batch[0].ID)
	case <-time.After(time.Second):
		t.Fatal("expected delay-triggered flush")
	}
}

func TestBus_StopDrainsInFlightPile(t *testing.T) {
	bus := New()

	flushed := make(chan []sequenceCreated, 4)
	RegisterBatched(bus, 100, time.Hour, func(batch []sequenceCreated) {
		flushed <- batch
	})

	bus.Dispatch(sequenceCreated{ID: "pending"})
	bus.Stop()

	select {
	case batch := <-flushed:
		assert.Len(t, batch, 1)
	default:
		t.Fatal("expected in-flight pile to be flushed by Stop")
	}
}
