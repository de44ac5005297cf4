package lode

import (
	"context"
	"errors"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/metrics"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "afar"

// RecordKindBlock discriminates block records in the journal dataset.
const RecordKindBlock = "block"

// Block statuses recorded in the journal.
const (
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusSubmitted = "submitted"
	StatusDeferred  = "deferred"
)

// journalLayout partitions records as session/day/location.
var journalLayout = []string{"session", "day", "location"}

// BlockRecord is one dispatched block as stored in the journal.
type BlockRecord struct {
	SessionID string
	Key       string
	Location  string
	Executor  string
	Names     []string
	Status    string
	Error     string
	Source    string
	StartedAt time.Time
	Duration  time.Duration
}

// Day returns the UTC day partition of the record.
func (r *BlockRecord) Day() string {
	return r.StartedAt.UTC().Format(time.DateOnly)
}

// toMap converts the record to the map form Lode's Hive layout needs.
// Partition keys must be present as top-level fields.
func (r *BlockRecord) toMap() map[string]any {
	names := make([]any, len(r.Names))
	for i, n := range r.Names {
		names[i] = n
	}
	m := map[string]any{
		"record_kind": RecordKindBlock,
		"session":     r.SessionID,
		"day":         r.Day(),
		"location":    r.Location,
		"key":         r.Key,
		"executor":    r.Executor,
		"names":       names,
		"status":      r.Status,
		"source":      r.Source,
		"started_at":  r.StartedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// recordFromMap is the inverse of toMap. JSON decoding turns numbers into
// float64, so both numeric forms are accepted.
func recordFromMap(m map[string]any) (BlockRecord, bool) {
	if m["record_kind"] != RecordKindBlock {
		return BlockRecord{}, false
	}
	r := BlockRecord{
		SessionID: toString(m["session"]),
		Key:       toString(m["key"]),
		Location:  toString(m["location"]),
		Executor:  toString(m["executor"]),
		Status:    toString(m["status"]),
		Error:     toString(m["error"]),
		Source:    toString(m["source"]),
	}
	if names, ok := m["names"].([]any); ok {
		for _, n := range names {
			r.Names = append(r.Names, toString(n))
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, toString(m["started_at"])); err == nil {
		r.StartedAt = ts
	}
	switch d := m["duration_ms"].(type) {
	case float64:
		r.Duration = time.Duration(d) * time.Millisecond
	case int64:
		r.Duration = time.Duration(d) * time.Millisecond
	case int:
		r.Duration = time.Duration(d) * time.Millisecond
	}
	return r, true
}

// JournalConfig configures a Journal.
type JournalConfig struct {
	// Dataset is the Lode dataset ID; DefaultDataset when empty.
	Dataset string
	// SessionID is stamped on records that leave it empty.
	SessionID string
}

// Journal appends block records to a Lode dataset. Every write is counted
// on the metrics collector as a lode write success or failure.
type Journal struct {
	dataset   lode.Dataset
	config    JournalConfig
	logger    *log.Logger
	collector *metrics.Collector
}

// NewJournal opens the journal dataset on factory.
func NewJournal(cfg JournalConfig, factory lode.StoreFactory, logger *log.Logger, collector *metrics.Collector) (*Journal, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	ds, err := OpenDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Journal{dataset: ds, config: cfg, logger: logger, collector: collector}, nil
}

// OpenDataset opens the journal dataset for reading or writing. Reads and
// writes must agree on codec and layout.
func OpenDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(journalLayout...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// Dataset returns the underlying dataset.
func (j *Journal) Dataset() lode.Dataset { return j.dataset }

// Record appends rec. A nil Journal discards the record.
func (j *Journal) Record(ctx context.Context, rec BlockRecord) error {
	if j == nil {
		return nil
	}
	if rec.SessionID == "" {
		rec.SessionID = j.config.SessionID
	}
	if rec.SessionID == "" {
		return errors.New("journal record requires a session id")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	_, err := j.dataset.Write(ctx, []any{rec.toMap()}, lode.Metadata{})
	if err != nil {
		j.collector.IncLodeWriteFailure()
		err = WrapWriteError(err, j.config.Dataset)
		j.logger.Warn("journal write failed", map[string]any{
			"key":   rec.Key,
			"error": err.Error(),
		})
		return err
	}
	j.collector.IncLodeWriteSuccess()
	return nil
}
