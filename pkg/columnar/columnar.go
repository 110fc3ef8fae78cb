// Package columnar materializes a sealed Encounter to a Hive-partitioned
// columnar dataset plus a small per-encounter summary sidecar, per
// spec.md §4.6: one file per encounter, each CombatEvent flattened into
// the columns listed on row (a subset of its fields) with nullable
// columns for the optional target, action and effect data, string
// columns dictionary-encoded at the file level, fsynced before the seal
// is acknowledged.
//
// Grounded on pithecene-io-quarry/quarry/lode's dataset/client/file_writer
// trio: lode.NewDataset with lode.WithHiveLayout partitions the dataset
// exactly as client.go's NewLodeClientWithFactory does, lode.NewFSFactory
// is the default local Store the same way client.go defaults to it, and
// the msgpack summary sidecar mirrors file_writer.go's PutFile
// data-file-plus-metadata-sidecar pattern (there a .meta.json content
// type sidecar; here a .summary.msgpack aggregate sidecar). The
// per-column dictionary encoding spec.md §6 requires is carried by
// lode's Parquet codec (lode.NewParquetCodec, the sibling of the
// example's lode.NewJSONLCodec — the example pack only exercises the
// JSONL codec directly, but carries parquet-go as a transitive
// dependency of the real module specifically for this codec; see
// DESIGN.md). Atomicity (fsync before ack) is the Store's
// responsibility, the same contract file_writer.go's PutFile relies on
// for its sidecar writes.
//
// The s3 backend (s3store.go) wires client_s3.go's NewLodeS3Client
// pattern directly: aws-sdk-go-v2/config's default credential chain,
// an *s3.Client, and lode/s3.New behind the same lode.StoreFactory
// signature the fs backend uses.
package columnar

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/justapithecus/lode/lode"
	"github.com/vmihailenco/msgpack/v5"

	"combatlog/pkg/interner"
	"combatlog/pkg/logevent"
)

// Config selects and configures the backing Store.
type Config struct {
	Backend   string // "fs" or "s3"
	Directory string // fs backend root
	Bucket    string // s3 backend bucket
	Prefix    string // s3 backend key prefix; also the Hive dataset id
	Region    string // s3 backend region
}

// entityPartitionKeys names the Hive partitions every materialized
// dataset is laid out under: character, calendar date, and encounter
// index, so a query engine can prune by any of the three without
// reading a manifest.
var entityPartitionKeys = []string{"character", "date", "encounter"}

// Materializer writes sealed encounters to the configured columnar
// backend.
type Materializer struct {
	dataset lode.Dataset
	store   lode.Store
	in      *interner.Interner
}

// New constructs a Materializer from cfg.
func New(cfg Config, in *interner.Interner) (*Materializer, error) {
	if in == nil {
		in = interner.Global()
	}

	factory, err := storeFactory(cfg)
	if err != nil {
		return nil, err
	}

	ds, err := lode.NewDataset(
		lode.DatasetID(cfg.Prefix),
		factory,
		lode.WithHiveLayout(entityPartitionKeys...),
		lode.WithCodec(lode.NewParquetCodec()),
	)
	if err != nil {
		return nil, fmt.Errorf("columnar: open dataset: %w", err)
	}

	store, err := factory()
	if err != nil {
		return nil, fmt.Errorf("columnar: open store: %w", err)
	}

	return &Materializer{dataset: ds, store: store, in: in}, nil
}

func storeFactory(cfg Config) (lode.StoreFactory, error) {
	switch cfg.Backend {
	case "s3":
		return s3Factory(cfg)
	case "fs", "":
		return lode.NewFSFactory(cfg.Directory), nil
	default:
		return nil, fmt.Errorf("columnar: unknown backend %q", cfg.Backend)
	}
}

// row is the flattened, nullable-column shape of one CombatEvent plus
// derived elapsed_ms. It carries the line number, timestamp, source and
// target kind/name/log id, action and effect names, the damage, heal
// and threat payload, and the mitigation ids. It does not store charges,
// entity class ids, action or effect ids, the effect type, or any
// position or health field of the event.
type row struct {
	LineNumber int    `json:"line_number" parquet:"line_number"`
	Timestamp  string `json:"timestamp" parquet:"timestamp,dict"`
	ElapsedMs  int64  `json:"elapsed_ms" parquet:"elapsed_ms"`

	SourceKind string `json:"source_kind" parquet:"source_kind,dict"`
	SourceName string `json:"source_name" parquet:"source_name,dict"`
	SourceID   int64  `json:"source_log_id" parquet:"source_log_id"`

	TargetKind *string `json:"target_kind,omitempty" parquet:"target_kind,dict,optional"`
	TargetName *string `json:"target_name,omitempty" parquet:"target_name,dict,optional"`
	TargetID   *int64  `json:"target_log_id,omitempty" parquet:"target_log_id,optional"`

	ActionName *string `json:"action_name,omitempty" parquet:"action_name,dict,optional"`
	EffectName *string `json:"effect_name,omitempty" parquet:"effect_name,dict,optional"`

	Damage           int64    `json:"damage" parquet:"damage"`
	EffectiveDamage  int64    `json:"effective_damage" parquet:"effective_damage"`
	Heal             int64    `json:"heal" parquet:"heal"`
	EffectiveHeal    int64    `json:"effective_heal" parquet:"effective_heal"`
	Threat           float64  `json:"threat" parquet:"threat"`
	IsCritical       bool     `json:"is_critical" parquet:"is_critical"`
	IsReflected      bool     `json:"is_reflected" parquet:"is_reflected"`
	DamageReduced    int64    `json:"damage_reduced" parquet:"damage_reduced"`
	ReductionTypeID  *int64   `json:"reduction_type_id,omitempty" parquet:"reduction_type_id,optional"`
	ReductionClassID *int64   `json:"reduction_class_id,omitempty" parquet:"reduction_class_id,optional"`
	DamageTypeID     *int64   `json:"damage_type_id,omitempty" parquet:"damage_type_id,optional"`
}

// summary is the sidecar aggregate record written alongside the event
// dataset, letting a query tool answer "which encounters existed and who
// was in them" without decoding the full dataset.
type summary struct {
	Character      string            `msgpack:"character"`
	EncounterIndex int               `msgpack:"encounter_index"`
	Area           string            `msgpack:"area"`
	Start          string            `msgpack:"start"`
	End            string            `msgpack:"end"`
	EndReason      string            `msgpack:"end_reason"`
	EventCount     int               `msgpack:"event_count"`
	Entities       []entitySummary   `msgpack:"entities"`
}

type entitySummary struct {
	Name                      string  `msgpack:"name"`
	Kind                      string  `msgpack:"kind"`
	TotalDamage               int64   `msgpack:"total_damage"`
	TotalEffectiveDamage      int64   `msgpack:"total_effective_damage"`
	TotalHealing              int64   `msgpack:"total_healing"`
	TotalEffectiveHealing     int64   `msgpack:"total_effective_healing"`
	TotalDamageTaken          int64   `msgpack:"total_damage_taken"`
	TotalEffectiveDamageTaken int64   `msgpack:"total_effective_damage_taken"`
	TotalAbsorbed             int64   `msgpack:"total_absorbed"`
	TotalThreat               float64 `msgpack:"total_threat"`
}

// MaterializeEncounter writes enc's event buffer as one dataset write
// plus a summary sidecar. character and date are used as given for the
// Hive partition values and the sidecar path; the caller chooses them.
func (m *Materializer) MaterializeEncounter(ctx context.Context, character string, date time.Time, enc *logevent.Encounter) error {
	records := make([]any, 0, len(enc.Events))
	for _, ev := range enc.Events {
		records = append(records, m.toRow(ev, enc.Start))
	}

	dateStr := date.UTC().Format("2006-01-02")
	meta := lode.Metadata{
		"character": character,
		"date":      dateStr,
		"encounter": fmt.Sprintf("%06d", enc.Index),
	}

	if len(records) > 0 {
		if _, err := m.dataset.Write(ctx, records, meta); err != nil {
			return fmt.Errorf("columnar: write encounter %d: %w", enc.Index, err)
		}
	}

	return m.writeSummary(ctx, character, dateStr, enc)
}

func (m *Materializer) toRow(ev logevent.CombatEvent, start logevent.Timestamp) row {
	r := row{
		LineNumber: ev.LineNumber,
		Timestamp:  formatTimestamp(ev.Timestamp),
		ElapsedMs:  ev.ElapsedMillis(start),
		SourceKind: ev.Source.Kind.String(),
		SourceName: m.in.Resolve(ev.Source.Name),
		SourceID:   ev.Source.LogID,

		Damage:          ev.Damage,
		EffectiveDamage: ev.EffectiveDamage,
		Heal:            ev.Heal,
		EffectiveHeal:   ev.EffectiveHeal,
		Threat:          ev.Threat,
		IsCritical:      ev.IsCritical,
		IsReflected:     ev.IsReflected,
		DamageReduced:   ev.DamageReduced,
	}

	if ev.Target != nil {
		kind := ev.Target.Kind.String()
		name := m.in.Resolve(ev.Target.Name)
		id := ev.Target.LogID
		r.TargetKind, r.TargetName, r.TargetID = &kind, &name, &id
	}
	if ev.Action != nil {
		name := m.in.Resolve(ev.Action.Name)
		r.ActionName = &name
	}
	if ev.Effect != nil {
		name := m.in.Resolve(ev.Effect.Name)
		r.EffectName = &name
		typeID, classID, dmgTypeID := ev.ReductionTypeID, ev.ReductionClassID, ev.DamageTypeID
		r.ReductionTypeID, r.ReductionClassID, r.DamageTypeID = &typeID, &classID, &dmgTypeID
	}

	return r
}

func formatTimestamp(ts logevent.Timestamp) string {
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ts.Hour, ts.Minute, ts.Second, ts.Millis)
}

func (m *Materializer) writeSummary(ctx context.Context, character, dateStr string, enc *logevent.Encounter) error {
	sum := summary{
		Character:      character,
		EncounterIndex: enc.Index,
		Area:           m.in.Resolve(enc.Area),
		Start:          formatTimestamp(enc.Start),
		End:            formatTimestamp(enc.End),
		EndReason:      string(enc.EndReason),
		EventCount:     len(enc.Events),
	}
	for _, em := range enc.Metrics {
		sum.Entities = append(sum.Entities, entitySummary{
			Name:                      m.in.Resolve(em.Entity.Name),
			Kind:                      em.Entity.Kind.String(),
			TotalDamage:               em.TotalDamage,
			TotalEffectiveDamage:      em.TotalEffectiveDamage,
			TotalHealing:              em.TotalHealing,
			TotalEffectiveHealing:     em.TotalEffectiveHealing,
			TotalDamageTaken:          em.TotalDamageTaken,
			TotalEffectiveDamageTaken: em.TotalEffectiveDamageTaken,
			TotalAbsorbed:             em.TotalAbsorbed,
			TotalThreat:               em.TotalThreat,
		})
	}

	data, err := msgpack.Marshal(sum)
	if err != nil {
		return fmt.Errorf("columnar: marshal summary: %w", err)
	}

	path := fmt.Sprintf("summaries/character=%s/date=%s/encounter-%06d.summary.msgpack", character, dateStr, enc.Index)
	if err := m.store.Put(ctx, path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("columnar: put summary sidecar: %w", err)
	}
	return nil
}
