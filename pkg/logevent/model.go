// Package logevent defines the plain-struct data model the rest of the
// pipeline is built on: Entity, Timestamp, CombatEvent, Encounter and the
// per-entity metric state. It plays the role pkg/types/types.go plays in
// the teacher repo: one package that every other package imports for its
// shared vocabulary, with no behavior beyond small value-type helpers.
//
// Supplements original_source/src/event_models.rs: the original carries
// target identity as independent optional fields (target_entity_id,
// target_entity_type, target_entity_name, ...); we group them into a
// single optional TargetEntity, with the struct's zero Kind standing in
// for the grammar's Empty ([]) sentinel and a nil *Entity standing in for
// "no target segment at all" ([=]), preserving the three-way distinction
// the original's independent Options made.
package logevent

import "combatlog/pkg/interner"

// EntityKind classifies a combat participant.
type EntityKind uint8

const (
	// KindEmpty is the Entity for a "[]" (Empty) grammar sentinel.
	KindEmpty EntityKind = iota
	KindPlayer
	KindNpc
	KindCompanion
)

func (k EntityKind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindNpc:
		return "npc"
	case KindCompanion:
		return "companion"
	default:
		return "empty"
	}
}

// Coordinates is the optional 4-tuple world position carried by an
// entity segment.
type Coordinates struct {
	X, Y, Z, Facing float64
}

// Health is the optional (current, max) pair carried by an entity or
// target segment.
type Health struct {
	Current, Max int64
}

// Entity represents a player, NPC, or player-owned companion.
//
// Invariant: if Kind == KindPlayer, Name is non-empty and LogID != 0.
// If Kind == KindCompanion, both LogID (the owning player's session-local
// id) and ClassID (the companion's stable id) are present. If Kind ==
// KindEmpty, every other field is the zero value.
type Entity struct {
	Name        interner.Key
	ClassID     int64
	LogID       int64
	Kind        EntityKind
	Coordinates *Coordinates
	Health      *Health
}

// IsEmpty reports whether this is the Empty sentinel entity.
func (e Entity) IsEmpty() bool { return e.Kind == KindEmpty }

// Timestamp is a wall-clock time-of-day with millisecond precision. The
// calendar date is carried by the surrounding log file's name, not by
// individual events.
type Timestamp struct {
	Hour, Minute, Second uint8
	Millis               uint16
}

// Millis64 flattens the timestamp into milliseconds-since-midnight, the
// unit the encounter state machine and aggregator use for elapsed-time
// arithmetic.
func (t Timestamp) Millis64() int64 {
	return int64(t.Hour)*3_600_000 +
		int64(t.Minute)*60_000 +
		int64(t.Second)*1_000 +
		int64(t.Millis)
}

// Before reports whether t sorts strictly before o within the same
// calendar day, without accounting for rollover; callers that must
// handle midnight rollover do so at the call site (see pkg/encounter).
func (t Timestamp) Before(o Timestamp) bool {
	return t.Millis64() < o.Millis64()
}

// ActionRef names the ability used by an event, if any.
type ActionRef struct {
	ID   int64
	Name interner.Key
}

// EffectRef names the effect category (EnterCombat, ExitCombat, Damage,
// Heal, Apply, Remove, ...) and the concrete effect an event carries.
type EffectRef struct {
	TypeID   int64
	TypeName interner.Key
	ID       int64
	Name     interner.Key
}

// CombatEvent is one parsed log line. String fields are interner.Key
// values; nothing in this struct borrows the original line buffer, so
// CombatEvent values are safe to move, copy, and retain past the buffer
// that produced them.
type CombatEvent struct {
	LineNumber int
	Timestamp  Timestamp

	Source Entity
	// Target is nil for the "[=]" (no entity) sentinel on the target
	// segment; a non-nil Target with Kind == KindEmpty is the "[]" form.
	Target *Entity

	Action *ActionRef
	Effect *EffectRef

	Charges          int64
	Damage           int64
	EffectiveDamage  int64
	Heal             int64
	EffectiveHeal    int64
	Threat           float64
	IsCritical       bool
	IsReflected      bool

	ReductionClassID int64
	DamageReduced    int64
	ReductionTypeID  int64
	DamageTypeID     int64
}

// ElapsedMillis returns the event's timestamp offset from a given
// encounter start, clamped to zero if the event predates the start
// (accepted verbatim per §4.4's edge case, never negative in the
// materialized schema's derived elapsed_ms column).
func (e *CombatEvent) ElapsedMillis(encounterStart Timestamp) int64 {
	d := e.Timestamp.Millis64() - encounterStart.Millis64()
	if d < 0 {
		return 0
	}
	return d
}

// EncounterEndReason records why an encounter was sealed.
type EncounterEndReason string

const (
	EndReasonNormal    EncounterEndReason = "normal"
	EndReasonTruncated EncounterEndReason = "truncated"
	EndReasonCancelled EncounterEndReason = "cancelled"
	EndReasonImplicit  EncounterEndReason = "implicit_restart"
)

// EntityMetrics accumulates the per-entity sums §3 names. Entity state
// lives inside the Encounter that observed it, never the other way
// around: entities carry no back-reference to their encounter, only the
// interned key plus stable ids events already carry.
type EntityMetrics struct {
	Entity Entity

	TotalDamage               int64
	TotalEffectiveDamage      int64
	TotalHealing              int64
	TotalEffectiveHealing     int64
	TotalDamageTaken          int64
	TotalEffectiveDamageTaken int64
	TotalAbsorbed             int64
	TotalThreat               float64

	HitCount      int64
	CritCount     int64
	HealCount     int64
	HealCritCount int64
}

// Encounter is a maximal contiguous combat span, the unit the metric
// aggregator and columnar materializer both operate on.
type Encounter struct {
	Index int
	Area  interner.Key

	Start Timestamp
	End   Timestamp
	Ended bool
	EndReason EncounterEndReason

	Events []CombatEvent

	// Phases stamps the timestamps at which a PhaseStart marker fired
	// within this encounter.
	Phases []Timestamp

	// Metrics holds the per-entity rolling counters, keyed by interned
	// entity name, built and maintained by pkg/metricagg.
	Metrics map[interner.Key]*EntityMetrics
}

// DurationMillis returns the span from Start to the stored End in
// milliseconds, or 0 when End precedes Start. It takes no end argument;
// Encounter itself has no notion of wall-clock "now".
func (enc *Encounter) DurationMillis() int64 {
	d := enc.End.Millis64() - enc.Start.Millis64()
	if d < 0 {
		return 0
	}
	return d
}
