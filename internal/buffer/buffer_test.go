package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/types"
)

func textEvent(s string) types.StreamEvent {
	return types.StreamEvent{Type: types.EventText, Text: s}
}

func TestAppendAssignsGaplessLSNs(t *testing.T) {
	b := New("s1")

	for i := 1; i <= 10; i++ {
		f := b.Append(textEvent("x"))
		require.Equal(t, uint64(i), f.LSN)
	}
	assert.Equal(t, uint64(10), b.LastLSN())
}

func TestReadFromReplaysInOrder(t *testing.T) {
	b := New("s1")
	b.Append(textEvent("a"))
	b.Append(textEvent("b"))
	b.Append(textEvent("c"))
	b.Close(nil)

	r := b.ReadFrom(0)
	ctx := context.Background()

	var got []string
	for {
		f, ok, err := r.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, f.Event.Text)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestReadFromOffsetSkipsDeliveredFrames(t *testing.T) {
	b := New("s1")
	for _, s := range []string{"a", "b", "c", "d"} {
		b.Append(textEvent(s))
	}
	b.Close(nil)

	r := b.ReadFrom(2)
	ctx := context.Background()

	f, ok, err := r.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.LSN)
	assert.Equal(t, "c", f.Event.Text)

	f, ok, err = r.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), f.LSN)

	_, ok, err = r.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReaderSuspendsUntilAppend(t *testing.T) {
	b := New("s1")
	r := b.ReadFrom(0)

	got := make(chan Frame, 1)
	go func() {
		f, ok, err := r.Next(context.Background())
		if err == nil && ok {
			got <- f
		}
	}()

	// Reader should be blocked; nothing has been appended.
	select {
	case <-got:
		t.Fatal("reader returned before append")
	case <-time.After(50 * time.Millisecond):
	}

	b.Append(textEvent("late"))

	select {
	case f := <-got:
		assert.Equal(t, uint64(1), f.LSN)
		assert.Equal(t, "late", f.Event.Text)
	case <-time.After(time.Second):
		t.Fatal("reader did not wake on append")
	}
}

func TestReaderEndsWhenWriterCloses(t *testing.T) {
	b := New("s1")
	r := b.ReadFrom(0)

	done := make(chan struct{})
	go func() {
		_, ok, err := r.Next(context.Background())
		if !ok && err == nil {
			close(done)
		}
	}()

	b.Close(nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader did not observe writer close")
	}
}

func TestReaderSurfacesWriterError(t *testing.T) {
	b := New("s1")
	b.Append(textEvent("a"))
	werr := errors.New("upstream exploded")
	b.Close(werr)

	r := b.ReadFrom(0)
	ctx := context.Background()

	// The buffered frame is still delivered first.
	f, ok, err := r.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", f.Event.Text)

	_, ok, err = r.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, werr)
}

func TestReaderRespectsContext(t *testing.T) {
	b := New("s1")
	r := b.ReadFrom(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := r.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentReadersSeeIdenticalSequences(t *testing.T) {
	b := New("s1")

	const n = 100
	results := make(chan []uint64, 3)
	for i := 0; i < 3; i++ {
		r := b.ReadFrom(0)
		go func() {
			var lsns []uint64
			for {
				f, ok, err := r.Next(context.Background())
				if err != nil || !ok {
					break
				}
				lsns = append(lsns, f.LSN)
			}
			results <- lsns
		}()
	}

	for i := 0; i < n; i++ {
		b.Append(textEvent("x"))
	}
	b.Close(nil)

	want := make([]uint64, n)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	for i := 0; i < 3; i++ {
		select {
		case got := <-results:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("reader did not finish")
		}
	}
}

func TestReadFromHugeOffsetIsCaughtUp(t *testing.T) {
	b := New("s1")
	b.Append(textEvent("a"))

	// Offsets are client-supplied on reconnect; values past int range
	// must behave like a caught-up reader, not index the frame slice.
	r := b.ReadFrom(1 << 63)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok, err := r.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.Close(nil)
	_, ok, err = r.Next(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestAppendAfterClosePanics(t *testing.T) {
	b := New("s1")
	b.Close(nil)
	assert.Panics(t, func() { b.Append(textEvent("x")) })
}
