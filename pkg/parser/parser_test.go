package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"combatlog/pkg/interner"
	"combatlog/pkg/logevent"
)

func newTestParser() (*Parser, *interner.Interner) {
	in := interner.New()
	return New(in), in
}

// §8 scenario A: a timestamp with nothing else is structurally invalid.
func TestParseLine_TimestampAlone_IsMalformed(t *testing.T) {
	p, _ := newTestParser()
	_, err := p.ParseLine(1, []byte("[19:02:15.300]"))
	require.Error(t, err)
}

// §8 scenario B: timestamp plus a source entity alone parses, with
// every other field left at its default.
func TestParseLine_SourceOnly_Parses(t *testing.T) {
	p, in := newTestParser()
	ev, err := p.ParseLine(2, []byte("[19:02:15.300] [@Alice#100]"))
	require.NoError(t, err)

	assert.Equal(t, uint8(19), ev.Timestamp.Hour)
	assert.Equal(t, uint8(2), ev.Timestamp.Minute)
	assert.Equal(t, uint8(15), ev.Timestamp.Second)
	assert.Equal(t, uint16(300), ev.Timestamp.Millis)

	assert.Equal(t, logevent.KindPlayer, ev.Source.Kind)
	assert.Equal(t, int64(100), ev.Source.LogID)
	assert.Equal(t, "Alice", in.Resolve(ev.Source.Name))

	assert.Nil(t, ev.Target)
	assert.Nil(t, ev.Action)
	assert.Nil(t, ev.Effect)
	assert.Zero(t, ev.Damage)
}

// §8 scenario C: a companion entity segment carries the owner's
// identity before "/" (discarded) and the companion's own
// name/class/log id after it.
func TestParseLine_CompanionSource_Parses(t *testing.T) {
	p, in := newTestParser()
	ev, err := p.ParseLine(3, []byte("[19:02:15.300] [@Alice#100/Pet {5}:7]"))
	require.NoError(t, err)

	assert.Equal(t, logevent.KindCompanion, ev.Source.Kind)
	assert.Equal(t, int64(5), ev.Source.ClassID)
	assert.Equal(t, int64(7), ev.Source.LogID)
	assert.Equal(t, "Pet", in.Resolve(ev.Source.Name))
}

func TestParseLine_EmptySourceSegment_IsEmptyKind(t *testing.T) {
	p, _ := newTestParser()
	ev, err := p.ParseLine(4, []byte("[19:02:15.300] []"))
	require.NoError(t, err)
	assert.True(t, ev.Source.IsEmpty())
}

func TestParseLine_TargetSentinelNone_LeavesTargetNil(t *testing.T) {
	p, _ := newTestParser()
	ev, err := p.ParseLine(5, []byte("[19:02:15.300] [@Alice#100] [=]"))
	require.NoError(t, err)
	assert.Nil(t, ev.Target)
}

func TestParseLine_TargetEmptySegment_IsEmptyKindNotNil(t *testing.T) {
	p, _ := newTestParser()
	ev, err := p.ParseLine(6, []byte("[19:02:15.300] [@Alice#100] []"))
	require.NoError(t, err)
	require.NotNil(t, ev.Target)
	assert.True(t, ev.Target.IsEmpty())
}

func TestParseLine_NpcTarget_Parses(t *testing.T) {
	p, _ := newTestParser()
	ev, err := p.ParseLine(7, []byte("[19:02:15.300] [@Alice#100] [Training Dummy {42}:0]"))
	require.NoError(t, err)
	require.NotNil(t, ev.Target)
	assert.Equal(t, logevent.KindNpc, ev.Target.Kind)
	assert.Equal(t, int64(42), ev.Target.ClassID)
}

func TestParseLine_ActionAndEffect_Parse(t *testing.T) {
	p, _ := newTestParser()
	line := "[19:02:15.300] [@Alice#100] [Training Dummy {42}:0] " +
		"[Force Lightning {1234}:1] [DamageEffect {9}: Damage {10}] (520*(400)) 12.5"
	ev, err := p.ParseLine(8, []byte(line))
	require.NoError(t, err)

	require.NotNil(t, ev.Action)
	assert.Equal(t, int64(1234), ev.Action.ID)

	require.NotNil(t, ev.Effect)
	assert.Equal(t, int64(9), ev.Effect.TypeID)
	assert.Equal(t, int64(10), ev.Effect.ID)

	assert.Equal(t, int64(520), ev.Damage)
	assert.Equal(t, int64(400), ev.EffectiveDamage)
	assert.True(t, ev.IsCritical)
	assert.InDelta(t, 12.5, ev.Threat, 1e-9)
}

// A "Heal" effect name routes the primary numeric value to Heal instead
// of Damage, per the heuristic documented in the package doc comment.
func TestParseLine_HealEffect_RoutesToHealFields(t *testing.T) {
	p, _ := newTestParser()
	line := "[19:02:15.300] [@Alice#100] [@Alice#100] " +
		"[Kolto Shell {555}:1] [HealEffect {1}: Heal {2}] (300*(300))"
	ev, err := p.ParseLine(9, []byte(line))
	require.NoError(t, err)

	assert.Equal(t, int64(300), ev.Heal)
	assert.Equal(t, int64(300), ev.EffectiveHeal)
	assert.Zero(t, ev.Damage)
}

func TestParseLine_ReflectedAndMitigation_Parse(t *testing.T) {
	p, _ := newTestParser()
	line := "[19:02:15.300] [@Alice#100] [Training Dummy {42}:0] " +
		"[Force Lightning {1234}:1] [DamageEffect {9}: Damage {10}] (520(reflected)<2:5:120>)"
	ev, err := p.ParseLine(10, []byte(line))
	require.NoError(t, err)

	assert.Equal(t, int64(520), ev.Damage)
	assert.True(t, ev.IsReflected)
	assert.Equal(t, int64(2), ev.ReductionTypeID)
	assert.Equal(t, int64(5), ev.ReductionClassID)
	assert.Equal(t, int64(120), ev.DamageReduced)
}

// A malformed numeric sub-field defaults to zero without dropping the
// whole line: the timestamp and entities already parsed remain valid.
func TestParseLine_MalformedNumericPayload_DefaultsNotDrop(t *testing.T) {
	p, _ := newTestParser()
	ev, err := p.ParseLine(11, []byte("[19:02:15.300] [@Alice#100] [] [] [] (notanumber)"))
	require.NoError(t, err)
	assert.Zero(t, ev.Damage)
}

func TestParseLine_UnbalancedBracket_IsMalformed(t *testing.T) {
	p, _ := newTestParser()
	_, err := p.ParseLine(12, []byte("[19:02:15.300] [@Alice#100"))
	require.Error(t, err)
}
