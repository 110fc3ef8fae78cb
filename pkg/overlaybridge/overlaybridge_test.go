package overlaybridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"combatlog/pkg/interner"
	"combatlog/pkg/logevent"
	"combatlog/pkg/metricagg"
)

func TestPushMetrics_RoutesToMatchingKindAndSortsByValue(t *testing.T) {
	in := interner.New()
	b := New(in)
	ch := b.Register(OverlayDPS, 1)

	alice := logevent.Entity{Name: in.InternString("Alice"), Kind: logevent.KindPlayer}
	bob := logevent.Entity{Name: in.InternString("Bob"), Kind: logevent.KindPlayer}

	snap := &metricagg.Snapshot{
		Metric: metricagg.MetricDPS,
		Entities: []metricagg.EntityRate{
			{Entity: alice, Value: 500},
			{Entity: bob, Value: 100},
		},
	}
	b.PushMetrics(snap)

	select {
	case cmd := <-ch:
		require.NotNil(t, cmd.Metrics)
		assert.Equal(t, OverlayDPS, cmd.Metrics.Kind)
		require.Len(t, cmd.Metrics.Entries, 2)
		assert.Equal(t, "Alice", cmd.Metrics.Entries[0].Name)
		assert.Equal(t, 500.0, cmd.Metrics.MaxValue)
	default:
		t.Fatal("expected a command on the dps channel")
	}
}

func TestPushMetrics_MismatchedKind_NoChannelReceives(t *testing.T) {
	in := interner.New()
	b := New(in)
	ch := b.Register(OverlayHPS, 1)

	snap := &metricagg.Snapshot{Metric: metricagg.MetricDPS}
	b.PushMetrics(snap)

	select {
	case <-ch:
		t.Fatal("hps channel should not have received a dps snapshot")
	default:
	}
}

// TestPushMetrics_NewestWinsOnFullChannel covers spec §5 ("older updates
// are dropped before newer ones when capacity is exceeded") and §8
// scenario F (second tick's snapshot delivered, first dropped).
func TestPushMetrics_NewestWinsOnFullChannel(t *testing.T) {
	in := interner.New()
	b := New(in)
	ch := b.Register(OverlayDPS, 1)

	alice := logevent.Entity{Name: in.InternString("Alice"), Kind: logevent.KindPlayer}
	bob := logevent.Entity{Name: in.InternString("Bob"), Kind: logevent.KindPlayer}

	first := &metricagg.Snapshot{
		Metric:   metricagg.MetricDPS,
		Entities: []metricagg.EntityRate{{Entity: alice, Value: 100}},
	}
	second := &metricagg.Snapshot{
		Metric:   metricagg.MetricDPS,
		Entities: []metricagg.EntityRate{{Entity: bob, Value: 200}},
	}
	b.PushMetrics(first)  // fills the buffer
	b.PushMetrics(second) // must evict first, deliver second, not block

	assert.Len(t, ch, 1)
	select {
	case cmd := <-ch:
		require.NotNil(t, cmd.Metrics)
		require.Len(t, cmd.Metrics.Entries, 1)
		assert.Equal(t, "Bob", cmd.Metrics.Entries[0].Name)
	default:
		t.Fatal("expected the second snapshot to be buffered")
	}
}

func TestPushPersonal_DeliversToPersonalChannel(t *testing.T) {
	in := interner.New()
	b := New(in)
	ch := b.Register(OverlayPersonal, 1)

	alice := logevent.Entity{Name: in.InternString("Alice"), Kind: logevent.KindPlayer}
	b.PushPersonal(&metricagg.PersonalStats{Entity: alice, DPS: 42})

	select {
	case cmd := <-ch:
		require.NotNil(t, cmd.Personal)
		assert.Equal(t, 42.0, cmd.Personal.DPS)
	default:
		t.Fatal("expected a command on the personal channel")
	}
}

func TestBroadcastLifecycle_DeliversToAllRegisteredChannels(t *testing.T) {
	in := interner.New()
	b := New(in)
	dps := b.Register(OverlayDPS, 1)
	personal := b.Register(OverlayPersonal, 1)

	b.BroadcastLifecycle(LifecycleCombatStarted)

	for _, ch := range []<-chan Command{dps, personal} {
		select {
		case cmd := <-ch:
			require.NotNil(t, cmd.Lifecycle)
			assert.Equal(t, LifecycleCombatStarted, *cmd.Lifecycle)
		case <-time.After(time.Second):
			t.Fatal("expected lifecycle broadcast on every channel")
		}
	}
}

func TestBroadcastLifecycle_DropsAfterTimeoutWhenChannelFull(t *testing.T) {
	in := interner.New()
	b := New(in)
	ch := b.Register(OverlayDPS, 1)
	ch2 := make(chan Command, 1)
	_ = ch2

	// Fill the channel so the broadcast has to wait out the timeout.
	b.send(OverlayDPS, Command{})

	start := time.Now()
	b.BroadcastLifecycle(LifecycleCombatEnded)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, lifecycleSendTimeout)
	assert.Len(t, ch, 1) // the original filler is still there, broadcast was dropped
}

func TestUnregister_ClosesChannel(t *testing.T) {
	in := interner.New()
	b := New(in)
	ch := b.Register(OverlayDPS, 1)
	b.Unregister(OverlayDPS)

	_, open := <-ch
	assert.False(t, open)
}
