package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientOrderIDSetRejectsReplay(t *testing.T) {
	set := newClientOrderIDSet(4)
	assert.True(t, set.CheckAndAdd("a"))
	assert.False(t, set.CheckAndAdd("a"), "replay must be rejected")
	assert.True(t, set.CheckAndAdd("b"))
}

func TestClientOrderIDSetCapacityFloorsAt1024(t *testing.T) {
	set := newClientOrderIDSet(4)
	assert.Equal(t, 1024, set.cap, "spec requires a FIFO bound of at least 1024")
}

func TestClientOrderIDSetEvictsOldestBeyondCapacity(t *testing.T) {
	set := newClientOrderIDSet(2)
	set.cap = 2 // shrink for the test so eviction is observable without 1024 iterations
	assert.True(t, set.CheckAndAdd("first"))
	assert.True(t, set.CheckAndAdd("second"))
	assert.True(t, set.CheckAndAdd("third")) // evicts "first"
	assert.True(t, set.CheckAndAdd("first"), "evicted id should be acceptable again")
}

func TestNonceGenIsMonotonic(t *testing.T) {
	var n nonceGen
	prev := n.Next()
	for i := 0; i < 1000; i++ {
		next := n.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	d := Backoff(time.Second, 10*time.Second, 0, 0)
	assert.Equal(t, time.Second, d)

	d = Backoff(time.Second, 10*time.Second, 10, 0)
	assert.Equal(t, 10*time.Second, d)
}

func TestErrorIsRetryable(t *testing.T) {
	transient := &Error{Kind: KindTransient}
	assert.True(t, transient.IsRetryable())

	auth := &Error{Kind: KindAuthError}
	assert.False(t, auth.IsRetryable())
}
