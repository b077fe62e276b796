package utils

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptionalRWMutexDisabled(t *testing.T) {
	var mutex OptionalRWMutex
	mutex.Init(false)

	// A disabled lock never blocks, even against itself
	mutex.Lock()
	mutex.Lock()
	mutex.RLock()
	mutex.RUnlock()
	mutex.Unlock()
	mutex.Unlock()
}

func TestOptionalRWMutexEnabled(t *testing.T) {
	var mutex OptionalRWMutex
	mutex.Init(true)

	var acquired atomic.Bool
	mutex.Lock()
	go func() {
		mutex.RLock()
		acquired.Store(true)
		mutex.RUnlock()
	}()

	require.Never(t, acquired.Load, 50*time.Millisecond, 5*time.Millisecond)
	mutex.Unlock()
	require.Eventually(t, acquired.Load, time.Second, 5*time.Millisecond)
}
