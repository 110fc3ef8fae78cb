// Package overlaybridge fans metric and lifecycle updates out to
// per-overlay-kind command channels, one channel per running overlay
// window, per spec.md §4.7.
//
// Grounded on the teacher's dispatcher.Dispatch, whose select-with-default
// around d.queue<-item is the non-blocking shape this package's send adapts
// for metric updates (a full channel has its stale entry evicted first);
// lifecycle forwarding instead blocks
// up to a fixed timeout (internal/dispatcher/retry_manager.go's
// timer-then-give-up shape, generalized from retry backoff to a
// single-attempt deadline) before dropping with a logged anomaly, per the
// concurrency model's differing suspension-point policy for lifecycle vs.
// metric channels (§5).
package overlaybridge

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"combatlog/internal/metrics"
	"combatlog/pkg/interner"
	"combatlog/pkg/metricagg"
)

// OverlayKind names one of the eight ranked metric views plus the
// personal-stats view spec.md §4.7 lists.
type OverlayKind int

const (
	OverlayDPS OverlayKind = iota
	OverlayEDPS
	OverlayHPS
	OverlayEHPS
	OverlayTPS
	OverlayDTPS
	OverlayEDTPS
	OverlayABS
	OverlayPersonal
)

func (k OverlayKind) String() string {
	switch k {
	case OverlayDPS:
		return "dps"
	case OverlayEDPS:
		return "edps"
	case OverlayHPS:
		return "hps"
	case OverlayEHPS:
		return "ehps"
	case OverlayTPS:
		return "tps"
	case OverlayDTPS:
		return "dtps"
	case OverlayEDTPS:
		return "edtps"
	case OverlayABS:
		return "abs"
	case OverlayPersonal:
		return "personal"
	default:
		return "unknown"
	}
}

// barColor assigns each ranked view a fixed display color, the detail an
// overlay needs to render a bar without knowing about metricagg.MetricKind.
func (k OverlayKind) barColor() string {
	switch k {
	case OverlayDPS, OverlayEDPS:
		return "red"
	case OverlayHPS, OverlayEHPS:
		return "green"
	case OverlayTPS:
		return "yellow"
	case OverlayDTPS, OverlayEDTPS:
		return "orange"
	case OverlayABS:
		return "blue"
	default:
		return "white"
	}
}

// metricKind maps an OverlayKind onto the metricagg.MetricKind whose
// Snapshot it renders; OverlayABS and OverlayPersonal have no equivalent
// and return ok=false. Personal is its own update type; nothing ranks
// absorbed damage, so no snapshot is ever routed to OverlayABS.
func (k OverlayKind) metricKind() (metricagg.MetricKind, bool) {
	switch k {
	case OverlayDPS:
		return metricagg.MetricDPS, true
	case OverlayEDPS:
		return metricagg.MetricEDPS, true
	case OverlayHPS:
		return metricagg.MetricHPS, true
	case OverlayEHPS:
		return metricagg.MetricEHPS, true
	case OverlayTPS:
		return metricagg.MetricTPS, true
	case OverlayDTPS:
		return metricagg.MetricDTPS, true
	case OverlayEDTPS:
		return metricagg.MetricEDTPS, true
	default:
		return 0, false
	}
}

// Entry is one rendered bar: a named entity and its value under the
// overlay's kind, tagged with the kind's display color.
type Entry struct {
	Name  string
	Value float64
	Color string
}

// MetricsCommand is the payload for a ranked-view overlay update.
type MetricsCommand struct {
	Kind     OverlayKind
	Entries  []Entry
	MaxValue float64
}

// PersonalCommand is the payload for the single personal-stats overlay.
type PersonalCommand struct {
	metricagg.PersonalStats
}

// LifecycleKind distinguishes the two forwarded session-lifecycle events.
type LifecycleKind int

const (
	LifecycleCombatStarted LifecycleKind = iota
	LifecycleCombatEnded
)

// Command is the single message type sent on every overlay channel; the
// receiver switches on which field is non-nil.
type Command struct {
	Metrics   *MetricsCommand
	Personal  *PersonalCommand
	Lifecycle *LifecycleKind
}

const lifecycleSendTimeout = 50 * time.Millisecond

// Bridge owns the overlay channel registry and performs the fan-out.
type Bridge struct {
	in *interner.Interner

	mu       sync.Mutex
	channels map[OverlayKind]chan Command
}

// New constructs an empty Bridge. in resolves the interned entity names
// carried by metricagg snapshots; a nil in falls back to the global
// interner.
func New(in *interner.Interner) *Bridge {
	if in == nil {
		in = interner.Global()
	}
	return &Bridge{in: in, channels: make(map[OverlayKind]chan Command)}
}

// Register opens a channel of the given buffer size for kind and returns
// the receive side for the overlay window to consume. Registering the
// same kind twice replaces the previous channel; callers are responsible
// for draining or discarding the old one.
func (b *Bridge) Register(kind OverlayKind, buffer int) <-chan Command {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Command, buffer)
	b.mu.Lock()
	b.channels[kind] = ch
	b.mu.Unlock()
	return ch
}

// Unregister closes and removes kind's channel, if any.
func (b *Bridge) Unregister(kind OverlayKind) {
	b.mu.Lock()
	ch, ok := b.channels[kind]
	delete(b.channels, kind)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// PushMetrics builds the rendering entries for snap's metric, sorted by
// value descending, and sends them to the matching overlay channel; if
// the channel is full, its stale buffered update is evicted and this one
// is sent (see send).
func (b *Bridge) PushMetrics(snap *metricagg.Snapshot) {
	if snap == nil {
		return
	}

	var kind OverlayKind
	found := false
	for k := OverlayDPS; k <= OverlayEDTPS; k++ {
		if mk, ok := k.metricKind(); ok && mk == snap.Metric {
			kind, found = k, true
			break
		}
	}
	if !found {
		return
	}

	entries := make([]Entry, 0, len(snap.Entities))
	maxValue := 1.0
	for _, er := range snap.Entities {
		v := er.Value
		if v > maxValue {
			maxValue = v
		}
		entries = append(entries, Entry{
			Name:  b.in.Resolve(er.Entity.Name),
			Value: v,
			Color: kind.barColor(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Value > entries[j].Value })

	b.send(kind, Command{Metrics: &MetricsCommand{Kind: kind, Entries: entries, MaxValue: maxValue}})
}

// PushPersonal forwards p to the Personal overlay channel; if the
// channel is full, its stale buffered update is evicted and this one is
// sent (see send).
func (b *Bridge) PushPersonal(p *metricagg.PersonalStats) {
	if p == nil {
		return
	}
	b.send(OverlayPersonal, Command{Personal: &PersonalCommand{PersonalStats: *p}})
}

// send is the drop-on-full path every metric/personal update uses,
// modeled on dispatcher.Dispatch's select-with-default around its
// bounded queue. Per §5, older updates are dropped before newer ones
// when capacity is exceeded: a full channel is newest-wins, so a slow
// overlay consumer always catches up to the latest snapshot rather than
// the one it already missed. A full channel is evicted (non-blocking
// receive of the stale buffered entry) before the new one is sent.
func (b *Bridge) send(kind OverlayKind, cmd Command) {
	b.mu.Lock()
	ch, ok := b.channels[kind]
	b.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- cmd:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}
	metrics.ChannelDroppedTotal.WithLabelValues(kind.String()).Inc()
	logrus.WithField("overlay_kind", kind.String()).Warn("overlay channel full, dropping stale update")

	select {
	case ch <- cmd:
	default:
		// Another sender raced us and refilled the channel between the
		// evict and this send; drop the new update rather than block.
		metrics.ChannelDroppedTotal.WithLabelValues(kind.String()).Inc()
		logrus.WithField("overlay_kind", kind.String()).Warn("overlay channel full after evict, dropping update")
	}
}

// BroadcastLifecycle forwards a CombatStarted/CombatEnded transition to
// every registered overlay channel, blocking up to lifecycleSendTimeout
// per channel before dropping with a logged anomaly (§5's differing
// policy for lifecycle vs. metric sends).
func (b *Bridge) BroadcastLifecycle(kind LifecycleKind) {
	b.mu.Lock()
	targets := make([]chan Command, 0, len(b.channels))
	for _, ch := range b.channels {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	cmd := Command{Lifecycle: &kind}
	for _, ch := range targets {
		timer := time.NewTimer(lifecycleSendTimeout)
		select {
		case ch <- cmd:
			timer.Stop()
		case <-timer.C:
			metrics.LifecycleChannelTimeoutTotal.Inc()
			logrus.Warn("overlay lifecycle send timed out, dropping update")
		}
	}
}
