package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/logging"
)

func TestTimer_RunNowKeepsLast(t *testing.T) {
	timer := NewTimer(NewService(staticWallets{total: 100, deposited: 100}, staticTxs{}), time.Hour, logging.Discard())
	assert.Nil(t, timer.Last())

	r, err := timer.RunNow(context.Background())
	require.NoError(t, err)
	assert.Same(t, r, timer.Last())
	assert.True(t, r.Match)
}

func TestTimer_StartRunsImmediatelyAndStops(t *testing.T) {
	timer := NewTimer(NewService(staticWallets{total: 90, deposited: 100}, staticTxs{}), time.Hour, logging.Discard())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return timer.Last() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	assert.Equal(t, int64(10), timer.Last().Diff)

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
