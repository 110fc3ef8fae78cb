package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"combatlog/pkg/interner"
	"combatlog/pkg/logevent"
	"combatlog/pkg/metricagg"
)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func drainUntil(t *testing.T, updates <-chan Update, want UpdateKind, deadline time.Duration) Update {
	t.Helper()
	timeout := time.After(deadline)
	for {
		select {
		case u := <-updates:
			if u.Kind == want {
				return u
			}
		case <-timeout:
			t.Fatalf("timed out waiting for update kind %d", want)
		}
	}
}

func TestParsingSession_TailsFileAndEmitsLifecycleSignals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat_2026-07-31_19_00_00_1.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	in := interner.New()
	sess, err := New(Config{
		LogDirectory:     dir,
		OverlayTickHz:    50,
		TopN:             8,
		MetricView:       metricagg.MetricDPS,
		LocalPlayer:      "Alice",
		TailPollInterval: 20 * time.Millisecond,
	}, in, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sess.Commands() <- Command{Kind: CommandStartTailing, Path: path}

	appendLine(t, path, "[19:00:00.000] [@Alice#100] [] [] [EnterCombat]")
	started := drainUntil(t, sess.Updates(), UpdateCombatStarted, 2*time.Second)
	require.NotNil(t, started.Signal)
	assert.Equal(t, 0, started.Signal.EncounterIndex)

	appendLine(t, path, "[19:00:00.500] [@Alice#100] [Boss {42}:0] [] [DamageEffect {9}: Damage {10}] (100*(80))")
	appendLine(t, path, "[19:00:01.000] [@Alice#100] [] [] [ExitCombat]")

	ended := drainUntil(t, sess.Updates(), UpdateCombatEnded, 2*time.Second)
	require.NotNil(t, ended.Signal)
	assert.Equal(t, 0, ended.Signal.EncounterIndex)

	sess.Commands() <- Command{Kind: CommandShutdown}
}

func TestParsingSession_StopTailing_SealsActiveEncounterAsCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat_2026-07-31_19_00_00_2.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	in := interner.New()
	sess, err := New(Config{
		LogDirectory:     dir,
		OverlayTickHz:    50,
		TopN:             8,
		TailPollInterval: 20 * time.Millisecond,
	}, in, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sess.Commands() <- Command{Kind: CommandStartTailing, Path: path}
	appendLine(t, path, "[19:00:00.000] [@Alice#100] [] [] [EnterCombat]")
	drainUntil(t, sess.Updates(), UpdateCombatStarted, 2*time.Second)

	sess.Commands() <- Command{Kind: CommandStopTailing}
	ended := drainUntil(t, sess.Updates(), UpdateCombatEnded, 2*time.Second)
	assert.NotEmpty(t, ended.Signal)
	sealed := sess.machine.LastSealed()
	require.NotNil(t, sealed)
	assert.Equal(t, logevent.EndReasonCancelled, sealed.EndReason)
}

func TestParsingSession_RefreshIndex_UpdatesFileCount(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "combat_2026-07-31_19_00_00_1.txt"), nil, 0o644))

	in := interner.New()
	sess, err := New(Config{LogDirectory: dir, TopN: 8}, in, nil, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "combat_2026-07-31_19_05_00_2.txt"), nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sess.Commands() <- Command{Kind: CommandRefreshIndex}
	sess.Commands() <- Command{Kind: CommandShutdown}
	time.Sleep(50 * time.Millisecond)

	assert.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.index.Len() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestParsingSession_RefreshIndex_AutoTailsNewestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat_2026-07-31_19_00_00_1.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	in := interner.New()
	sess, err := New(Config{LogDirectory: dir, TopN: 8}, in, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sess.Commands() <- Command{Kind: CommandRefreshIndex}
	appendLine(t, path, "[19:00:00.000] [@Alice#100] [] [] [EnterCombat]")
	drainUntil(t, sess.Updates(), UpdateCombatStarted, 2*time.Second)
	assert.Equal(t, StatusTailing, sess.Status())

	sess.Commands() <- Command{Kind: CommandShutdown}
	time.Sleep(50 * time.Millisecond)
}

func TestParsingSession_RefreshIndex_DoesNotInterruptActiveTail(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "combat_2026-07-31_19_00_00_1.txt")
	require.NoError(t, os.WriteFile(first, nil, 0o644))

	in := interner.New()
	sess, err := New(Config{LogDirectory: dir, TopN: 8}, in, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sess.Commands() <- Command{Kind: CommandStartTailing, Path: first}
	time.Sleep(50 * time.Millisecond)

	second := filepath.Join(dir, "combat_2026-07-31_19_05_00_2.txt")
	require.NoError(t, os.WriteFile(second, nil, 0o644))
	sess.Commands() <- Command{Kind: CommandRefreshIndex}
	time.Sleep(50 * time.Millisecond)

	appendLine(t, first, "[19:00:00.000] [@Alice#100] [] [] [EnterCombat]")
	drainUntil(t, sess.Updates(), UpdateCombatStarted, 2*time.Second)

	sess.Commands() <- Command{Kind: CommandShutdown}
	time.Sleep(50 * time.Millisecond)
}

func TestParsingSession_Status_StartsIdle(t *testing.T) {
	dir := t.TempDir()
	in := interner.New()
	sess, err := New(Config{LogDirectory: dir, TopN: 8}, in, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, sess.Status())
}
