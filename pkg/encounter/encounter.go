// Package encounter implements the Idle/InCombat state machine that
// segments a CombatEvent stream into Encounters and emits lifecycle
// Signals. It is new relative to the teacher (which ships log lines
// downstream, it never derives a state machine from their content), so
// its shape is grounded instead on the transition table in spec.md §4.4
// and on the teacher's dispatcher-as-subscriber-fanout pattern
// (internal/dispatcher), generalized from "fan a log line out to
// sinks" to "fan a lifecycle signal out to subscribers".
package encounter

import (
	"sync"

	"github.com/sirupsen/logrus"

	"combatlog/pkg/interner"
	"combatlog/pkg/logevent"
	"combatlog/pkg/metricagg"
)

// State is one of the two positions in the encounter state machine.
type State int

const (
	StateIdle State = iota
	StateInCombat
)

func (s State) String() string {
	if s == StateInCombat {
		return "in_combat"
	}
	return "idle"
}

// SignalKind names the lifecycle signal a transition produced.
type SignalKind int

const (
	SignalCombatStarted SignalKind = iota
	SignalCombatEnded
	SignalAreaEntered
	SignalPhaseStart
)

func (k SignalKind) String() string {
	switch k {
	case SignalCombatEnded:
		return "combat_ended"
	case SignalAreaEntered:
		return "area_entered"
	case SignalPhaseStart:
		return "phase_start"
	default:
		return "combat_started"
	}
}

// Signal is one lifecycle notification delivered to subscribers, in the
// same order the transitions fired.
type Signal struct {
	Kind           SignalKind
	EncounterIndex int
	Area           interner.Key
	Timestamp      logevent.Timestamp
	Anomaly        string // non-empty for a logged anomaly, e.g. implicit-end-on-double-start
}

// Effect type names recognized as lifecycle triggers. The spec names
// these only as "EnterCombat"/"ExitCombat"/"PhaseStart" prose; the area
// trigger name is this package's own resolution of an otherwise silent
// detail (see DESIGN.md).
const (
	effectEnterCombat = "EnterCombat"
	effectExitCombat  = "ExitCombat"
	effectAreaEntered = "AreaEntered"
	effectPhaseStart  = "PhaseStart"
)

const millisPerDay = 86_400_000

// Machine drives the state machine for a single tailed file. It is not
// safe for concurrent calls to Process; callers serialize events from a
// single tail reader before calling in, matching the ordering guarantee
// in §4.4.
type Machine struct {
	mu sync.Mutex

	in     *interner.Interner
	agg    *metricagg.Aggregator
	logger *logrus.Logger

	state       State
	nextIndex   int
	currentArea interner.Key

	active       *logevent.Encounter
	lastSealed   *logevent.Encounter
	dayOffset    int64
	lastRawMilli int64
	activeStart  int64 // absolute (day-offset adjusted) millis of the active encounter's start
}

// New constructs a Machine that attributes metrics to agg and interns
// area labels through in.
func New(in *interner.Interner, agg *metricagg.Aggregator, logger *logrus.Logger) *Machine {
	if in == nil {
		in = interner.Global()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{in: in, agg: agg, logger: logger, state: StateIdle}
}

// State reports the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// absoluteMillis folds a raw event timestamp into the machine's running
// absolute clock, incrementing the day offset whenever the wall-clock
// time-of-day decreases relative to the previous event — the
// "time-of-day fields that decrease are interpreted as a date rollover"
// edge case from §4.4.
func (m *Machine) absoluteMillis(ts logevent.Timestamp) int64 {
	raw := ts.Millis64()
	if raw < m.lastRawMilli {
		m.dayOffset += millisPerDay
	}
	m.lastRawMilli = raw
	return raw + m.dayOffset
}

// Process feeds one event through the state machine, returning any
// lifecycle signals it produced (zero, one, or two in the
// implicit-end-on-double-start case).
func (m *Machine) Process(ev logevent.CombatEvent) []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()

	absolute := m.absoluteMillis(ev.Timestamp)

	effectName, hasEffect := "", false
	if ev.Effect != nil {
		effectName = m.in.Resolve(ev.Effect.TypeName)
		hasEffect = true
	}

	var signals []Signal

	if hasEffect && effectName == effectAreaEntered && ev.Target != nil {
		m.currentArea = ev.Target.Name
		signals = append(signals, Signal{Kind: SignalAreaEntered, Area: m.currentArea, Timestamp: ev.Timestamp})
	}

	switch m.state {
	case StateIdle:
		if hasEffect && effectName == effectEnterCombat {
			signals = append(signals, m.startEncounter(ev.Timestamp, absolute))
		}
	case StateInCombat:
		if hasEffect && effectName == effectEnterCombat {
			signals = append(signals, m.sealEncounter(ev.Timestamp, logevent.EndReasonImplicit, "combat-start while already in combat"))
			signals = append(signals, m.startEncounter(ev.Timestamp, absolute))
			return signals
		}

		m.appendToActive(ev)

		if hasEffect && effectName == effectPhaseStart {
			m.active.Phases = append(m.active.Phases, ev.Timestamp)
			signals = append(signals, Signal{Kind: SignalPhaseStart, EncounterIndex: m.active.Index, Timestamp: ev.Timestamp})
		}

		if hasEffect && effectName == effectExitCombat {
			signals = append(signals, m.sealEncounter(ev.Timestamp, logevent.EndReasonNormal, ""))
		}
	}

	return signals
}

func (m *Machine) startEncounter(ts logevent.Timestamp, absolute int64) Signal {
	idx := m.nextIndex
	m.nextIndex++
	m.active = &logevent.Encounter{
		Index:   idx,
		Area:    m.currentArea,
		Start:   ts,
		Metrics: make(map[interner.Key]*logevent.EntityMetrics),
	}
	m.activeStart = absolute
	m.state = StateInCombat
	if m.agg != nil {
		m.agg.BeginEncounter(m.active)
	}
	return Signal{Kind: SignalCombatStarted, EncounterIndex: idx, Area: m.currentArea, Timestamp: ts}
}

func (m *Machine) appendToActive(ev logevent.CombatEvent) {
	if m.active == nil {
		return
	}
	m.active.Events = append(m.active.Events, ev)
	if m.agg != nil {
		m.agg.Observe(ev)
	}
}

// sealEncounter closes the active encounter, if any, recording reason
// and end timestamp, and returns the CombatEnded signal.
func (m *Machine) sealEncounter(ts logevent.Timestamp, reason logevent.EncounterEndReason, anomaly string) Signal {
	idx := -1
	if m.active != nil {
		m.active.End = ts
		m.active.Ended = true
		m.active.EndReason = reason
		idx = m.active.Index
		if anomaly != "" {
			m.logger.WithFields(logrus.Fields{
				"component":       "encounter",
				"encounter_index": idx,
				"reason":          reason,
			}).Warn(anomaly)
		}
		if m.agg != nil {
			m.agg.EndEncounter()
		}
		m.lastSealed = m.active
	}
	m.active = nil
	m.state = StateIdle
	return Signal{Kind: SignalCombatEnded, EncounterIndex: idx, Timestamp: ts, Anomaly: anomaly}
}

// SealOnEOF seals an in-progress encounter when the tail reader reaches
// EOF while the session is still InCombat (§4.4). lastSeen is the
// timestamp of the last event observed, used as the encounter's end
// timestamp.
func (m *Machine) SealOnEOF(lastSeen logevent.Timestamp) *Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInCombat {
		return nil
	}
	sig := m.sealEncounter(lastSeen, logevent.EndReasonTruncated, "")
	return &sig
}

// SealOnCancel seals an in-progress encounter when the tail is
// cancelled mid-encounter (§4.3's cancellation contract): its events up
// to the cancel point remain in the buffer and are materialized
// normally, with reason=cancelled.
func (m *Machine) SealOnCancel(lastSeen logevent.Timestamp) *Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInCombat {
		return nil
	}
	sig := m.sealEncounter(lastSeen, logevent.EndReasonCancelled, "")
	return &sig
}

// Active returns the currently open encounter, or nil if Idle. The
// returned pointer is shared state; callers must not mutate it.
func (m *Machine) Active() *logevent.Encounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LastSealed returns the most recently sealed encounter, letting a
// caller that just received a CombatEnded Signal retrieve the full
// event buffer and metric totals for materialization. It is overwritten
// on the next seal; callers must consume it before calling Process
// again.
func (m *Machine) LastSealed() *logevent.Encounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSealed
}
