package metricagg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"combatlog/pkg/interner"
	"combatlog/pkg/logevent"
)

func ts(h, m, s int, ms int) logevent.Timestamp {
	return logevent.Timestamp{Hour: uint8(h), Minute: uint8(m), Second: uint8(s), Millis: uint16(ms)}
}

func newEncounter(in *interner.Interner, start logevent.Timestamp) *logevent.Encounter {
	return &logevent.Encounter{
		Index:   0,
		Area:    in.InternString("TestArea"),
		Start:   start,
		Metrics: make(map[interner.Key]*logevent.EntityMetrics),
	}
}

func TestObserve_AttributesDamageToSourceAndTarget(t *testing.T) {
	in := interner.New()
	agg := New(in, 4, MetricDPS, nil)
	enc := newEncounter(in, ts(19, 0, 0, 0))
	agg.BeginEncounter(enc)

	source := logevent.Entity{Kind: logevent.KindPlayer, Name: in.InternString("Alice"), LogID: 1}
	target := logevent.Entity{Kind: logevent.KindNpc, Name: in.InternString("Dummy"), LogID: 2}

	ev := logevent.CombatEvent{
		Timestamp:       ts(19, 0, 1, 0),
		Source:          source,
		Target:          &target,
		Damage:          100,
		EffectiveDamage: 90,
		DamageReduced:   10,
	}
	agg.Observe(ev)

	srcMetrics := enc.Metrics[source.Name]
	require.NotNil(t, srcMetrics)
	assert.Equal(t, int64(100), srcMetrics.TotalDamage)
	assert.Equal(t, int64(90), srcMetrics.TotalEffectiveDamage)
	assert.Equal(t, int64(1), srcMetrics.HitCount)

	tgtMetrics := enc.Metrics[target.Name]
	require.NotNil(t, tgtMetrics)
	assert.Equal(t, int64(100), tgtMetrics.TotalDamageTaken)
	assert.Equal(t, int64(90), tgtMetrics.TotalEffectiveDamageTaken)
	assert.Equal(t, int64(10), tgtMetrics.TotalAbsorbed)

	agg.EndEncounter()
}

func TestObserve_RoutesHealingSeparatelyFromDamage(t *testing.T) {
	in := interner.New()
	agg := New(in, 4, MetricHPS, nil)
	enc := newEncounter(in, ts(19, 0, 0, 0))
	agg.BeginEncounter(enc)

	healer := logevent.Entity{Kind: logevent.KindPlayer, Name: in.InternString("Healbot"), LogID: 3}
	ev := logevent.CombatEvent{
		Timestamp:     ts(19, 0, 1, 0),
		Source:        healer,
		Heal:          50,
		EffectiveHeal: 45,
		IsCritical:    true,
	}
	agg.Observe(ev)

	em := enc.Metrics[healer.Name]
	require.NotNil(t, em)
	assert.Equal(t, int64(50), em.TotalHealing)
	assert.Equal(t, int64(45), em.TotalEffectiveHealing)
	assert.Equal(t, int64(1), em.HealCount)
	assert.Equal(t, int64(1), em.HealCritCount)
	assert.Zero(t, em.TotalDamage)

	agg.EndEncounter()
}

func TestObserve_AccumulatesThreatEvenWithoutDamageOrHeal(t *testing.T) {
	in := interner.New()
	agg := New(in, 4, MetricTPS, nil)
	enc := newEncounter(in, ts(19, 0, 0, 0))
	agg.BeginEncounter(enc)

	tank := logevent.Entity{Kind: logevent.KindPlayer, Name: in.InternString("Tank"), LogID: 4}
	agg.Observe(logevent.CombatEvent{Timestamp: ts(19, 0, 1, 0), Source: tank, Threat: 12.5})

	em := enc.Metrics[tank.Name]
	require.NotNil(t, em)
	assert.Equal(t, 12.5, em.TotalThreat)
	assert.Zero(t, em.HitCount)
	assert.Zero(t, em.HealCount)

	agg.EndEncounter()
}

func TestObserve_NoActiveEncounter_IsNoop(t *testing.T) {
	in := interner.New()
	agg := New(in, 4, MetricDPS, nil)
	agg.Observe(logevent.CombatEvent{Source: logevent.Entity{Name: in.InternString("Nobody")}, Damage: 5})
}

func TestRankedSnapshot_OrdersDescendingByConfiguredMetric(t *testing.T) {
	in := interner.New()
	agg := New(in, 2, MetricDPS, nil)
	enc := newEncounter(in, ts(19, 0, 0, 0))
	agg.BeginEncounter(enc)

	low := logevent.Entity{Kind: logevent.KindPlayer, Name: in.InternString("Low"), LogID: 1}
	high := logevent.Entity{Kind: logevent.KindPlayer, Name: in.InternString("High"), LogID: 2}
	mid := logevent.Entity{Kind: logevent.KindPlayer, Name: in.InternString("Mid"), LogID: 3}

	agg.Observe(logevent.CombatEvent{Timestamp: ts(19, 0, 1, 0), Source: low, Damage: 10})
	agg.Observe(logevent.CombatEvent{Timestamp: ts(19, 0, 1, 0), Source: high, Damage: 1000})
	agg.Observe(logevent.CombatEvent{Timestamp: ts(19, 0, 1, 0), Source: mid, Damage: 100})

	snap := agg.rankedSnapshot(enc, Window{Start: enc.Start, End: ts(19, 0, 2, 0)})
	require.Len(t, snap.Entities, 2)
	assert.Equal(t, high.Name, snap.Entities[0].Entity.Name)
	assert.Equal(t, mid.Name, snap.Entities[1].Entity.Name)

	agg.EndEncounter()
}

func TestTickLoop_EmitsMetricsAndPersonalUpdates(t *testing.T) {
	in := interner.New()
	updates := make(chan Update, 16)
	agg := New(in, 4, MetricDPS, updates)
	agg.SetTickHz(50)

	player := logevent.Entity{Kind: logevent.KindPlayer, Name: in.InternString("Alice"), LogID: 1}
	agg.SetLocalPlayer(player.Name)

	enc := newEncounter(in, ts(19, 0, 0, 0))
	agg.BeginEncounter(enc)
	agg.Observe(logevent.CombatEvent{Timestamp: ts(19, 0, 1, 0), Source: player, Damage: 200})

	var gotMetrics, gotPersonal bool
	deadline := time.After(2 * time.Second)
	for !gotMetrics || !gotPersonal {
		select {
		case u := <-updates:
			if u.Metrics != nil {
				gotMetrics = true
			}
			if u.Personal != nil {
				gotPersonal = true
				assert.Equal(t, player.Name, u.Personal.Entity.Name)
			}
		case <-deadline:
			t.Fatal("timed out waiting for tick updates")
		}
	}

	agg.EndEncounter()
}

func TestEndEncounter_StopsTickingWithoutPanic(t *testing.T) {
	in := interner.New()
	updates := make(chan Update, 16)
	agg := New(in, 4, MetricDPS, updates)
	agg.SetTickHz(100)

	enc := newEncounter(in, ts(19, 0, 0, 0))
	agg.BeginEncounter(enc)
	time.Sleep(30 * time.Millisecond)
	agg.EndEncounter()

	// Draining any buffered ticks from before EndEncounter must not panic
	// or block past the channel's buffer.
	for {
		select {
		case <-updates:
		default:
			return
		}
	}
}

func TestRecomputeWindowed_RestrictsToTimestampRange(t *testing.T) {
	in := interner.New()
	enc := newEncounter(in, ts(19, 0, 0, 0))
	player := logevent.Entity{Kind: logevent.KindPlayer, Name: in.InternString("Alice"), LogID: 1}

	enc.Events = []logevent.CombatEvent{
		{Timestamp: ts(19, 0, 1, 0), Source: player, Damage: 100},
		{Timestamp: ts(19, 0, 5, 0), Source: player, Damage: 900},
	}

	stats := RecomputeWindowed(enc, player.Name, Window{Start: ts(19, 0, 0, 0), End: ts(19, 0, 2, 0)})
	assert.Equal(t, int64(100), stats.Metrics.TotalDamage)

	full := RecomputeWindowed(enc, player.Name, Window{Start: ts(19, 0, 0, 0), End: ts(19, 0, 5, 0)})
	assert.Equal(t, int64(1000), full.Metrics.TotalDamage)
}
