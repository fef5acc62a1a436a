package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyCoalesces(t *testing.T) {
	n := New()
	ch, cancel := n.Subscribe()
	defer cancel()

	n.NotifyAll()
	n.NotifyAll()

	<-ch
	select {
	case <-ch:
		t.Fatal("second wake-up should have been coalesced")
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	n := New()
	ch, cancel := n.Subscribe()
	assert.Equal(t, 1, n.Len())

	cancel()
	cancel()
	assert.Equal(t, 0, n.Len())

	_, ok := <-ch
	assert.False(t, ok)

	// no subscribers left, nothing to block on
	n.NotifyAll()
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, n.NotifyAll)
}
