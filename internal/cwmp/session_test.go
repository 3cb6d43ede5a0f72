package cwmp

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkAttemptedIsSetAdd(t *testing.T) {
	sess := newSession("ABC", ClassGeneric)

	assert.True(t, sess.MarkAttempted("core.device_info"))
	assert.False(t, sess.MarkAttempted("core.device_info"))
	assert.True(t, sess.Attempted("core.device_info"))
	assert.False(t, sess.Attempted("core.mgmt"))
}

func TestStartReplacesSession(t *testing.T) {
	store := NewSessionStore()

	first := store.Start("ABC", ClassHuawei)
	first.MarkAttempted("core.device_info")
	first.HostCount = 5

	second := store.Start("ABC", ClassHuawei)
	assert.False(t, second.Attempted("core.device_info"))
	assert.Equal(t, 0, second.HostCount)
	assert.Equal(t, 1, second.HostIndex)

	got, ok := store.Get("ABC")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestAddrIndexSurvivesDestroy(t *testing.T) {
	store := NewSessionStore()
	store.Start("ABC", ClassGeneric)
	store.BindAddr("10.0.0.5", "ABC")

	store.Destroy("ABC")

	_, ok := store.Get("ABC")
	assert.False(t, ok)
	_, ok = store.GetByAddr("10.0.0.5")
	assert.False(t, ok)

	serial, ok := store.SerialForAddr("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, "ABC", serial)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	store := NewSessionStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			serial := fmt.Sprintf("SN-%d", i)
			sess := store.Start(serial, ClassGeneric)
			sess.Lock()
			sess.MarkAttempted(serial)
			sess.HostCount = i
			sess.Unlock()
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		serial := fmt.Sprintf("SN-%d", i)
		sess, ok := store.Get(serial)
		require.True(t, ok, serial)
		assert.Equal(t, i, sess.HostCount)
		assert.True(t, sess.Attempted(serial))
		assert.False(t, sess.Attempted(fmt.Sprintf("SN-%d", (i+1)%20)))
	}
}

func TestSweepDropsIdleSessions(t *testing.T) {
	store := NewSessionStore()
	stale := store.Start("OLD", ClassGeneric)
	stale.LastSeen = time.Now().Add(-time.Hour)
	fresh := store.Start("NEW", ClassGeneric)
	fresh.LastSeen = time.Now()

	removed := store.Sweep(10 * time.Minute)

	assert.Equal(t, 1, removed)
	_, ok := store.Get("OLD")
	assert.False(t, ok)
	_, ok = store.Get("NEW")
	assert.True(t, ok)
}
