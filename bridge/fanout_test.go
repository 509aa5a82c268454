package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	f := newFanout()
	a, unsubA := f.subscribe()
	b, unsubB := f.subscribe()
	require.Equal(t, 2, f.len())

	f.publish([]byte("one"))
	assert.Equal(t, "one", string(<-a))
	assert.Equal(t, "one", string(<-b))

	unsubA()
	unsubA()
	assert.Equal(t, 1, f.len())
	_, ok := <-a
	assert.False(t, ok)

	f.publish([]byte("two"))
	assert.Equal(t, "two", string(<-b))
	unsubB()
	assert.Equal(t, 0, f.len())
}

func TestFanoutDropsForSlowSubscribers(t *testing.T) {
	f := newFanout()
	ch, unsub := f.subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		f.publish([]byte{byte(i)})
	}
	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, []byte{0}, <-ch)
}
