package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWheelFiresInOrder(t *testing.T) {
	w := NewWheel("test")
	defer w.Close()

	w.Add(30*time.Millisecond, "second")
	w.Add(5*time.Millisecond, "first")

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case f := <-w.C:
			got = append(got, f.Arg.(string))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fire")
		}
	}
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestWheelRemoveCancelsBeforeFire(t *testing.T) {
	w := NewWheel("test")
	defer w.Close()

	h := w.Add(10*time.Millisecond, "canceled")
	w.Add(20*time.Millisecond, "survives")
	w.Remove(h)

	select {
	case f := <-w.C:
		assert.Equal(t, "survives", f.Arg.(string))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fire")
	}

	select {
	case f := <-w.C:
		t.Fatalf("unexpected second fire: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWheelRemoveAfterFireIsNoop(t *testing.T) {
	w := NewWheel("test")
	defer w.Close()

	h := w.Add(5*time.Millisecond, "x")
	select {
	case <-w.C:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fire")
	}
	assert.NotPanics(t, func() { w.Remove(h) })
}

func TestWheelLenReflectsPending(t *testing.T) {
	w := NewWheel("test")
	defer w.Close()

	assert.Equal(t, 0, w.Len())
	h1 := w.Add(time.Hour, "a")
	w.Add(time.Hour, "b")
	assert.Equal(t, 2, w.Len())
	w.Remove(h1)
	assert.Equal(t, 1, w.Len())
}

func TestSetNewAndClose(t *testing.T) {
	s := NewSet()
	require.NotNil(t, s.Default)
	require.NotNil(t, s.B)
	require.NotNil(t, s.C)
	require.NotNil(t, s.D)
	s.Close()
}
