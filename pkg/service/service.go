// Package service wires pkg/tail, pkg/parser, pkg/encounter,
// pkg/metricagg, pkg/overlaybridge and pkg/columnar into the single
// ParsingSession spec.md §6 describes: a command channel accepting
// StartTailing/StopTailing/RefreshIndex/Shutdown, and an update channel
// emitting CombatStarted/CombatEnded/MetricsUpdated/PersonalStatsUpdated.
//
// Grounded on the teacher's internal/app.Application lifecycle shape
// (context+cancel, a WaitGroup around every background goroutine, a
// single command loop driving subsystem start/stop) but condensed to
// this service's much smaller command set; the command-loop-over-a-
// channel pattern itself follows internal/dispatcher.Dispatcher's
// run-loop, generalized from "drain a work queue" to "drain operator
// commands".
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"combatlog/internal/metrics"
	"combatlog/internal/tracing"
	"combatlog/pkg/columnar"
	"combatlog/pkg/dirindex"
	"combatlog/pkg/encounter"
	"combatlog/pkg/errors"
	"combatlog/pkg/interner"
	"combatlog/pkg/logevent"
	"combatlog/pkg/metricagg"
	"combatlog/pkg/overlaybridge"
	"combatlog/pkg/parser"
	"combatlog/pkg/tail"
)

// CommandKind names one of the four accepted session commands.
type CommandKind int

const (
	CommandStartTailing CommandKind = iota
	CommandStopTailing
	CommandRefreshIndex
	CommandShutdown
)

// Command is sent on the session's command channel.
type Command struct {
	Kind CommandKind
	Path string // StartTailing's target; ignored otherwise
}

// UpdateKind names one of the four emitted session updates.
type UpdateKind int

const (
	UpdateCombatStarted UpdateKind = iota
	UpdateCombatEnded
	UpdateMetrics
	UpdatePersonalStats
)

// Update is sent on the session's update channel.
type Update struct {
	Kind     UpdateKind
	Signal   *encounter.Signal
	Metrics  *metricagg.Snapshot
	Personal *metricagg.PersonalStats
}

// Status is the single human-readable string spec.md §7 requires the
// service to expose, reflecting the most recent non-trivial transition.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusTailing      Status = "tailing"
	StatusPaused       Status = "paused"
	StatusFileMissing  Status = "file_missing"
)

// Config configures a ParsingSession.
type Config struct {
	LogDirectory     string
	OverlayTickHz    float64
	TopN             int
	MetricView       metricagg.MetricKind
	LocalPlayer      string
	TailPollInterval time.Duration // defaults to tail.DefaultPollInterval
}

// ParsingSession owns one directory index, one metric aggregator, one
// encounter state machine, one overlay bridge, and at most one active
// tail reader at a time.
type ParsingSession struct {
	cfg    Config
	logger *logrus.Logger

	in         *interner.Interner
	index      *dirindex.Index
	watcher    *dirindex.Watcher
	parser     *parser.Parser
	aggregator *metricagg.Aggregator
	machine    *encounter.Machine
	bridge     *overlaybridge.Bridge
	materializer *columnar.Materializer
	tracer       *tracing.Manager

	commands chan Command
	updates  chan Update

	mu            sync.Mutex
	status        Status
	cancelTail    context.CancelFunc
	tailWG        sync.WaitGroup
	currentPath   string
	lastTimestamp logevent.Timestamp

	// encounterSpan covers the currently active encounter's
	// CombatStarted->CombatEnded lifespan (§5); only the consume
	// goroutine touches it, so no separate lock is needed.
	encounterCtx  context.Context
	encounterSpan oteltrace.Span
}

// New constructs a ParsingSession. materializer may be nil, in which
// case sealed encounters are never persisted (useful for tests and for
// cmd/overlaydebug, which only needs the live channel contract).
func New(cfg Config, in *interner.Interner, materializer *columnar.Materializer, logger *logrus.Logger) (*ParsingSession, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if in == nil {
		in = interner.Global()
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 8
	}
	if cfg.OverlayTickHz <= 0 {
		cfg.OverlayTickHz = metricagg.DefaultTickHz
	}
	if cfg.TailPollInterval <= 0 {
		cfg.TailPollInterval = tail.DefaultPollInterval
	}

	idx, err := dirindex.New(cfg.LogDirectory, logger)
	if err != nil {
		return nil, fmt.Errorf("service: open directory index: %w", err)
	}
	metrics.DirectoryFilesIndexed.Set(float64(idx.Len()))

	// A live watcher is an optimization over the operator-driven
	// CommandRefreshIndex path, not a requirement: if the directory can't
	// be watched (fsnotify exhausted, permissions), the session still
	// works off whatever RefreshIndex commands it receives.
	watcher, err := dirindex.Watch(idx)
	if err != nil {
		logger.WithError(err).Warn("directory watch unavailable, falling back to manual refresh")
	}

	updates := make(chan Update, 64)

	s := &ParsingSession{
		cfg:          cfg,
		logger:       logger,
		in:           in,
		index:        idx,
		watcher:      watcher,
		parser:       parser.New(in),
		bridge:       overlaybridge.New(in),
		materializer: materializer,
		commands:     make(chan Command, 8),
		updates:      updates,
		status:       StatusIdle,
	}

	aggUpdates := make(chan metricagg.Update, 16)
	s.aggregator = metricagg.New(in, cfg.TopN, cfg.MetricView, aggUpdates)
	s.aggregator.SetTickHz(cfg.OverlayTickHz)
	if cfg.LocalPlayer != "" {
		s.aggregator.SetLocalPlayer(in.InternString(cfg.LocalPlayer))
	}
	s.machine = encounter.New(in, s.aggregator, logger)

	go s.pumpAggregatorUpdates(aggUpdates)
	if s.watcher != nil {
		go s.pumpDirWatcher(s.watcher)
	}

	return s, nil
}

// pumpDirWatcher turns directory-change notifications into
// CommandRefreshIndex commands, so a newly rolled-over combat log is
// picked up without an operator having to issue a manual refresh. A
// full command channel means a refresh is already pending, so the
// send is non-blocking.
func (s *ParsingSession) pumpDirWatcher(w *dirindex.Watcher) {
	for range w.Events() {
		select {
		case s.commands <- Command{Kind: CommandRefreshIndex}:
		default:
		}
	}
}

// Commands returns the channel callers send Commands on.
func (s *ParsingSession) Commands() chan<- Command { return s.commands }

// Updates returns the channel callers receive Updates from.
func (s *ParsingSession) Updates() <-chan Update { return s.updates }

// Bridge exposes the overlay bridge so callers can Register/Unregister
// overlay windows.
func (s *ParsingSession) Bridge() *overlaybridge.Bridge { return s.bridge }

// SetTracer attaches the tracer every encounter lifecycle and
// materialize call is spanned under (§5). A nil tracer (the default)
// means no spans are opened; call this before Run starts consuming
// tail output.
func (s *ParsingSession) SetTracer(t *tracing.Manager) { s.tracer = t }

// Status reports the current user-visible status string.
func (s *ParsingSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *ParsingSession) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Run drains the command channel until a Shutdown command or ctx is
// canceled. It is the session's single command loop, grounded on
// internal/dispatcher.Dispatcher's run-loop.
func (s *ParsingSession) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.stopTailing()
			s.closeWatcher()
			return
		case cmd := <-s.commands:
			switch cmd.Kind {
			case CommandStartTailing:
				s.startTailing(ctx, cmd.Path)
			case CommandStopTailing:
				s.stopTailing()
			case CommandRefreshIndex:
				s.refreshIndex(ctx)
			case CommandShutdown:
				s.stopTailing()
				s.closeWatcher()
				return
			}
		}
	}
}

func (s *ParsingSession) closeWatcher() {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Close(); err != nil {
		s.logger.WithError(err).Warn("directory watcher close failed")
	}
}

// refreshIndex rebuilds the directory index and, per the newest-file
// selection watcher.rs's build_index performs, starts tailing the
// newest matching file if nothing is currently being tailed.
func (s *ParsingSession) refreshIndex(parent context.Context) {
	idx, err := dirindex.New(s.cfg.LogDirectory, s.logger)
	if err != nil {
		s.logger.WithError(err).Warn("refresh index failed")
		return
	}

	// The watcher is bound to the *Index instance it was opened against
	// (add/remove mutate that instance directly); rebind it to the fresh
	// one so events keep landing on whatever refreshIndex just built,
	// rather than silently updating a discarded index.
	s.closeWatcher()
	watcher, err := dirindex.Watch(idx)
	if err != nil {
		s.logger.WithError(err).Warn("directory watch unavailable, falling back to manual refresh")
	} else {
		go s.pumpDirWatcher(watcher)
	}

	s.mu.Lock()
	s.index = idx
	s.watcher = watcher
	tailing := s.cancelTail != nil
	s.mu.Unlock()
	metrics.DirectoryFilesIndexed.Set(float64(idx.Len()))

	if tailing {
		return
	}
	if entry, ok := idx.Newest(); ok {
		s.startTailing(parent, entry.Path)
	}
}

func (s *ParsingSession) startTailing(parent context.Context, path string) {
	s.stopTailing()

	offset, err := tail.StartOffsetEnd(path)
	missing := err == tail.ErrStillGone
	if err != nil && !missing {
		s.logger.WithError(err).Warn("start tailing: file missing")
		s.setStatus(StatusFileMissing)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancelTail = cancel
	s.currentPath = path
	s.mu.Unlock()

	reader := tail.NewLiveReader(path, offset, s.logger)
	reader.SetPollInterval(s.cfg.TailPollInterval)
	lines := make(chan tail.Line, 256)
	states := make(chan tail.StateChange, 8)

	s.tailWG.Add(2)
	go func() {
		defer s.tailWG.Done()
		if err := reader.Run(ctx, lines, states); err != nil {
			s.logger.WithError(err).Warn("tail reader exited")
		}
	}()
	go func() {
		defer s.tailWG.Done()
		s.consume(ctx, lines, states)
	}()

	if missing {
		s.logger.WithField("path", path).Warn("start tailing: file missing, waiting for it to appear")
		s.setStatus(StatusFileMissing)
		return
	}
	s.setStatus(StatusTailing)
}

func (s *ParsingSession) stopTailing() {
	s.mu.Lock()
	cancel := s.cancelTail
	path := s.currentPath
	s.cancelTail = nil
	s.currentPath = ""
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.tailWG.Wait()

	s.mu.Lock()
	lastTS := s.lastTimestamp
	s.mu.Unlock()

	if sig := s.machine.SealOnCancel(lastTS); sig != nil {
		s.emitSignal(*sig)
		s.materialize()
	}
	s.logger.WithField("path", path).Info("stopped tailing")
	s.setStatus(StatusIdle)
}

func (s *ParsingSession) consume(ctx context.Context, lines <-chan tail.Line, states <-chan tail.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.handleLine(line)
		case st, ok := <-states:
			if !ok {
				continue
			}
			s.handleStateChange(st)
		}
	}
}

func (s *ParsingSession) handleStateChange(st tail.StateChange) {
	switch st.To {
	case tail.StateGone:
		metrics.FileMissingTotal.Inc()
		s.setStatus(StatusFileMissing)
	case tail.StateRewound:
		metrics.FileTruncatedTotal.Inc()
		s.setStatus(StatusPaused)
		s.logger.WithField("code", errors.CodeFileTruncated).Info("tail target truncated, offset reset")
	case tail.StateFollowing:
		s.setStatus(StatusTailing)
	}
}

func (s *ParsingSession) handleLine(line tail.Line) {
	ev, err := s.parser.ParseLine(line.LineNumber, line.Bytes)
	if err != nil {
		metrics.LinesMalformedTotal.WithLabelValues(s.currentPath).Inc()
		return
	}
	metrics.LinesParsedTotal.WithLabelValues(s.currentPath).Inc()

	s.mu.Lock()
	s.lastTimestamp = ev.Timestamp
	s.mu.Unlock()

	// Machine.Process attributes the event to the active encounter's
	// metrics itself (appendToActive calls agg.Observe); the session
	// only reacts to the lifecycle signals it returns.
	sigs := s.machine.Process(ev)

	for _, sig := range sigs {
		s.emitSignal(sig)
		if sig.Kind == encounter.SignalCombatEnded {
			s.materialize()
		}
	}
}

func (s *ParsingSession) emitSignal(sig encounter.Signal) {
	switch sig.Kind {
	case encounter.SignalCombatStarted:
		metrics.EncountersStartedTotal.Inc()
		metrics.SessionState.Set(1)
		s.startEncounterSpan(sig)
		s.send(Update{Kind: UpdateCombatStarted, Signal: &sig})
		s.bridge.BroadcastLifecycle(overlaybridge.LifecycleCombatStarted)
	case encounter.SignalCombatEnded:
		reason := "normal"
		var anomalyErr error
		if sig.Anomaly != "" {
			reason = "anomaly"
			anomalyErr = fmt.Errorf("%s", sig.Anomaly)
		}
		metrics.EncountersEndedTotal.WithLabelValues(reason).Inc()
		metrics.SessionState.Set(0)
		s.endEncounterSpan(anomalyErr)
		s.send(Update{Kind: UpdateCombatEnded, Signal: &sig})
		s.bridge.BroadcastLifecycle(overlaybridge.LifecycleCombatEnded)
	}
}

// startEncounterSpan opens the span covering sig's encounter, from this
// CombatStarted through its eventual CombatEnded (§5). Called only from
// the consume goroutine, so encounterCtx/encounterSpan need no lock.
func (s *ParsingSession) startEncounterSpan(sig encounter.Signal) {
	if s.tracer == nil {
		return
	}
	ctx, span := s.tracer.StartEncounterSpan(context.Background(), sig.EncounterIndex, s.in.Resolve(sig.Area))
	s.encounterCtx = ctx
	s.encounterSpan = span
}

// endEncounterSpan closes the currently open encounter span, recording
// anomalyErr (the implicit-end-on-double-start anomaly, if any) as the
// span's error.
func (s *ParsingSession) endEncounterSpan(anomalyErr error) {
	if s.tracer == nil || s.encounterSpan == nil {
		return
	}
	tracing.EndWithError(s.encounterSpan, anomalyErr)
	s.encounterSpan = nil
	s.encounterCtx = nil
}

func (s *ParsingSession) send(u Update) {
	select {
	case s.updates <- u:
	default:
		s.logger.Warn("service update channel full, dropping update")
	}
}

func (s *ParsingSession) pumpAggregatorUpdates(in <-chan metricagg.Update) {
	for u := range in {
		start := time.Now()
		if u.Metrics != nil {
			s.send(Update{Kind: UpdateMetrics, Metrics: u.Metrics})
			s.bridge.PushMetrics(u.Metrics)
		}
		if u.Personal != nil {
			s.send(Update{Kind: UpdatePersonalStats, Personal: u.Personal})
			s.bridge.PushPersonal(u.Personal)
		}
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// materialize persists the machine's most recently sealed encounter,
// retrying once on failure per §7's MaterializerFailed policy. A second
// failure only increments the failure counter and logs an error: no
// not_persisted flag is set, and the encounter stays reachable through
// Machine.LastSealed only until the next encounter is sealed.
// The whole call, including both attempts, is spanned by
// StartMaterializeSpan per §5.
func (s *ParsingSession) materialize() {
	if s.materializer == nil {
		return
	}
	enc := s.machine.LastSealed()
	if enc == nil {
		return
	}

	character := s.cfg.LocalPlayer
	if character == "" {
		character = "unknown"
	}

	spanCtx := context.Background()
	var span oteltrace.Span
	if s.tracer != nil {
		spanCtx, span = s.tracer.StartMaterializeSpan(spanCtx, character, enc.Index)
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(spanCtx, 10*time.Second)
		err = s.materializer.MaterializeEncounter(ctx, character, time.Now(), enc)
		cancel()
		if err == nil {
			break
		}
	}

	if span != nil {
		tracing.EndWithError(span, err)
	}

	if err == nil {
		return
	}

	metrics.MaterializerFailedTotal.Inc()
	s.logger.WithError(err).WithField("encounter_index", enc.Index).Error("materialize encounter failed after retry, keeping in memory")
}
