package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SetAndGet(t *testing.T) {
	l := NewLocal(10)
	l.Set("borrow:GME", "0.05", time.Minute)

	v, ok := l.Get("borrow:GME")
	require.True(t, ok)
	assert.Equal(t, "0.05", v)
}

func TestLocal_ExpiresEntries(t *testing.T) {
	l := NewLocal(10)
	l.Set("borrow:GME", "0.05", time.Millisecond)

	time.Sleep(5 * time.Millisecond)

	_, ok := l.Get("borrow:GME")
	assert.False(t, ok)
}

func TestLocal_EvictsLeastRecentlyUsed(t *testing.T) {
	l := NewLocal(2)
	l.Set("a", "1", time.Minute)
	l.Set("b", "2", time.Minute)
	l.Set("c", "3", time.Minute) // evicts "a"

	_, ok := l.Get("a")
	assert.False(t, ok)

	_, ok = l.Get("b")
	assert.True(t, ok)
	_, ok = l.Get("c")
	assert.True(t, ok)
}

func TestLocal_RemovePrefix(t *testing.T) {
	l := NewLocal(10)
	l.Set("borrow:GME", "0.05", time.Minute)
	l.Set("borrow:AMC", "0.03", time.Minute)
	l.Set("vol:GME", "12", time.Minute)

	l.RemovePrefix("borrow:")

	_, ok := l.Get("borrow:GME")
	assert.False(t, ok)
	_, ok = l.Get("borrow:AMC")
	assert.False(t, ok)
	_, ok = l.Get("vol:GME")
	assert.True(t, ok)
}
