package backplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_PublishSubscribe(t *testing.T) {
	bp := NewInMemory()
	sub, err := bp.Subscribe(t.Context(), "a")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bp.Publish(t.Context(), "a", []byte("hello")))

	select {
	case msg := <-sub.C():
		assert.Equal(t, "a", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestInMemory_PublishManyFansOutAcrossChannels(t *testing.T) {
	bp := NewInMemory()
	subA, err := bp.Subscribe(t.Context(), "a")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := bp.Subscribe(t.Context(), "b")
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, bp.PublishMany(t.Context(), []string{"a", "b"}, []byte("x")))

	for _, sub := range []Subscription{subA, subB} {
		select {
		case msg := <-sub.C():
			assert.Equal(t, []byte("x"), msg.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestInMemory_PublishWithNoSubscribersIsNotAnError(t *testing.T) {
	bp := NewInMemory()
	assert.NoError(t, bp.Publish(t.Context(), "nobody-listening", []byte("x")))
}

func TestInMemory_CloseIsIdempotentAndClosesSubscriberChannels(t *testing.T) {
	bp := NewInMemory()
	sub, err := bp.Subscribe(t.Context(), "a")
	require.NoError(t, err)

	require.NoError(t, bp.Close(t.Context()))
	require.NoError(t, bp.Close(t.Context()))

	_, ok := <-sub.C()
	assert.False(t, ok, "subscriber channel should be closed")
}

func TestInMemory_SubscriptionCloseDetachesFromChannel(t *testing.T) {
	bp := NewInMemory()
	sub, err := bp.Subscribe(t.Context(), "a")
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	require.NoError(t, bp.Publish(t.Context(), "a", []byte("x")))
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestInMemory_FullMailboxDropsRatherThanBlocks(t *testing.T) {
	bp := NewInMemory()
	sub, err := bp.Subscribe(t.Context(), "a")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < mailboxCapacity+10; i++ {
		require.NoError(t, bp.Publish(t.Context(), "a", []byte("x")))
	}
	// Publish must not have blocked; draining should yield at most capacity messages.
	count := 0
	for {
		select {
		case <-sub.C():
			count++
		default:
			assert.LessOrEqual(t, count, mailboxCapacity)
			return
		}
	}
}
