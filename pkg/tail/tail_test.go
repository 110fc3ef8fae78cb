package tail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func drainLines(ch <-chan Line, timeout time.Duration) []Line {
	var got []Line
	deadline := time.After(timeout)
	for {
		select {
		case l := <-ch:
			got = append(got, l)
		case <-deadline:
			return got
		}
	}
}

func TestLiveReader_InitialRead_EmitsExistingLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat_test.txt")
	writeFile(t, path, "line one\nline two\n")

	r := NewLiveReader(path, 0, nil)
	r.SetPollInterval(10 * time.Millisecond)
	lines := make(chan Line, 16)
	states := make(chan StateChange, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go r.Run(ctx, lines, states)

	got := drainLines(lines, 200*time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, "line one", string(got[0].Bytes))
	assert.Equal(t, "line two", string(got[1].Bytes))
}

func TestLiveReader_PartialLine_IsBufferedNotEmitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat_test.txt")
	writeFile(t, path, "complete\npartial-no-newline")

	r := NewLiveReader(path, 0, nil)
	r.SetPollInterval(10 * time.Millisecond)
	lines := make(chan Line, 16)
	states := make(chan StateChange, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, lines, states)

	got := drainLines(lines, 150*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, "complete", string(got[0].Bytes))

	appendFile(t, path, " now terminated\n")
	got2 := drainLines(lines, 400*time.Millisecond)
	require.Len(t, got2, 1)
	assert.Equal(t, "partial-no-newline now terminated", string(got2[0].Bytes))
}

func TestLiveReader_Truncation_ResetsToRewoundThenFollowing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat_test.txt")
	writeFile(t, path, "aaaaaaaaaa\nbbbbbbbbbb\n")

	r := NewLiveReader(path, 0, nil)
	r.SetPollInterval(10 * time.Millisecond)
	lines := make(chan Line, 16)
	states := make(chan StateChange, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, lines, states)

	drainLines(lines, 150*time.Millisecond)

	writeFile(t, path, "c\n") // shrinks below the previous offset
	var transitions []StateChange
	deadline := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case sc := <-states:
			transitions = append(transitions, sc)
		case <-deadline:
			break loop
		}
	}

	require.NotEmpty(t, transitions)
	assert.Equal(t, StateRewound, transitions[0].To)
}

func TestLiveReader_FileMissing_EntersGoneThenRecovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat_test.txt")
	writeFile(t, path, "first\n")

	r := NewLiveReader(path, 0, nil)
	r.SetPollInterval(10 * time.Millisecond)
	lines := make(chan Line, 16)
	states := make(chan StateChange, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, lines, states)

	drainLines(lines, 150*time.Millisecond)
	require.NoError(t, os.Remove(path))

	var sawGone bool
	deadline := time.After(500 * time.Millisecond)
wait_gone:
	for {
		select {
		case sc := <-states:
			if sc.To == StateGone {
				sawGone = true
				break wait_gone
			}
		case <-deadline:
			break wait_gone
		}
	}
	require.True(t, sawGone)

	writeFile(t, path, "reborn\n")
	var sawFollowing bool
	deadline2 := time.After(500 * time.Millisecond)
wait_following:
	for {
		select {
		case sc := <-states:
			if sc.To == StateFollowing {
				sawFollowing = true
				break wait_following
			}
		case <-deadline2:
			break wait_following
		}
	}
	require.True(t, sawFollowing)
}

func TestLiveReader_NoGoroutineLeakOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "combat_test.txt")
	writeFile(t, path, "a\n")

	r := NewLiveReader(path, 0, nil)
	r.SetPollInterval(10 * time.Millisecond)
	lines := make(chan Line, 16)
	states := make(chan StateChange, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, lines, states)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader did not stop after cancel")
	}
}

func TestStartOffsetEnd_MissingFile_ReturnsErrStillGone(t *testing.T) {
	_, err := StartOffsetEnd(filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, ErrStillGone)
}
