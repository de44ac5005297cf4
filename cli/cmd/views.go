package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/types"
)

// historyView lists journal records, most recent first.
type historyView []historyRow

type historyRow struct {
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	SessionID  string    `json:"session_id" yaml:"session_id"`
	Key        string    `json:"key" yaml:"key"`
	Location   string    `json:"location" yaml:"location"`
	Executor   string    `json:"executor,omitempty" yaml:"executor,omitempty"`
	Names      []string  `json:"names" yaml:"names"`
	Status     string    `json:"status" yaml:"status"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMs int64     `json:"duration_ms" yaml:"duration_ms"`
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
}

func newHistoryView(recs []lode.BlockRecord, withSource bool) historyView {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].StartedAt.After(recs[j].StartedAt) })
	v := make(historyView, len(recs))
	for i, r := range recs {
		v[i] = historyRow{
			StartedAt:  r.StartedAt.UTC(),
			SessionID:  r.SessionID,
			Key:        r.Key,
			Location:   r.Location,
			Executor:   r.Executor,
			Names:      r.Names,
			Status:     r.Status,
			Error:      r.Error,
			DurationMs: r.Duration.Milliseconds(),
		}
		if withSource {
			v[i].Source = r.Source
		}
	}
	return v
}

func (v historyView) Columns() []string {
	return []string{"STARTED", "SESSION", "KEY", "LOCATION", "NAMES", "STATUS", "DURATION", "ERROR"}
}

func (v historyView) Rows() [][]string {
	rows := make([][]string, len(v))
	for i, r := range v {
		rows[i] = []string{
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.SessionID,
			r.Key,
			r.Location,
			strings.Join(r.Names, ","),
			r.Status,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			firstLine(r.Error),
		}
	}
	return rows
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// statsView is the session metrics summary of `afar run --stats`.
type statsView struct {
	SessionID        string           `json:"session_id" yaml:"session_id"`
	Executor         string           `json:"executor" yaml:"executor"`
	StorageBackend   string           `json:"storage_backend" yaml:"storage_backend"`
	BlocksByLocation map[string]int64 `json:"blocks_by_location" yaml:"blocks_by_location"`
	BlocksFailed     int64            `json:"blocks_failed" yaml:"blocks_failed"`
	TasksSubmitted   int64            `json:"tasks_submitted" yaml:"tasks_submitted"`
	ValuesScattered  int64            `json:"values_scattered" yaml:"values_scattered"`
	TasksCancelled   int64            `json:"tasks_cancelled" yaml:"tasks_cancelled"`
	WorkerStarts     int64            `json:"worker_starts" yaml:"worker_starts"`
	WorkerCrashes    int64            `json:"worker_crashes" yaml:"worker_crashes"`
	IPCDecodeErrors  int64            `json:"ipc_decode_errors" yaml:"ipc_decode_errors"`
	RelayDelivered   int64            `json:"relay_delivered" yaml:"relay_delivered"`
	RelayDropped     int64            `json:"relay_dropped" yaml:"relay_dropped"`
	JournalWrites    int64            `json:"journal_writes" yaml:"journal_writes"`
	JournalFailures  int64            `json:"journal_failures" yaml:"journal_failures"`
}

func newStatsView(s metrics.Snapshot) statsView {
	return statsView{
		SessionID:        s.SessionID,
		Executor:         s.Executor,
		StorageBackend:   s.StorageBackend,
		BlocksByLocation: s.BlocksByLocation,
		BlocksFailed:     s.BlocksFailed,
		TasksSubmitted:   s.TasksSubmitted,
		ValuesScattered:  s.ValuesScattered,
		TasksCancelled:   s.TasksCancelled,
		WorkerStarts:     s.WorkerStarts,
		WorkerCrashes:    s.WorkerCrashes,
		IPCDecodeErrors:  s.IPCDecodeErrors,
		RelayDelivered:   s.RelayDelivered,
		RelayDropped:     s.RelayDropped,
		JournalWrites:    s.LodeWriteSuccess,
		JournalFailures:  s.LodeWriteFailure,
	}
}

func (v statsView) Columns() []string { return []string{"METRIC", "VALUE"} }

func (v statsView) Rows() [][]string {
	n := func(i int64) string { return strconv.FormatInt(i, 10) }
	rows := [][]string{
		{"session", v.SessionID},
		{"executor", v.Executor},
		{"store", v.StorageBackend},
	}
	for _, loc := range []types.Location{types.LocationLocally, types.LocationRemotely, types.LocationLater} {
		rows = append(rows, []string{"blocks " + string(loc), n(v.BlocksByLocation[string(loc)])})
	}
	return append(rows,
		[]string{"blocks failed", n(v.BlocksFailed)},
		[]string{"tasks submitted", n(v.TasksSubmitted)},
		[]string{"values scattered", n(v.ValuesScattered)},
		[]string{"tasks cancelled", n(v.TasksCancelled)},
		[]string{"worker starts", n(v.WorkerStarts)},
		[]string{"worker crashes", n(v.WorkerCrashes)},
		[]string{"frame decode errors", n(v.IPCDecodeErrors)},
		[]string{"relay delivered", n(v.RelayDelivered)},
		[]string{"relay dropped", n(v.RelayDropped)},
		[]string{"journal writes", n(v.JournalWrites)},
		[]string{"journal failures", n(v.JournalFailures)},
	)
}

// eventView is one relay event printed by `afar tail`.
type eventView struct {
	Topic   string            `json:"topic" yaml:"topic"`
	Key     string            `json:"key" yaml:"key"`
	Action  types.RelayAction `json:"action" yaml:"action"`
	Payload string            `json:"payload,omitempty" yaml:"payload,omitempty"`
	Seq     int64             `json:"seq" yaml:"seq"`
}

func (e eventView) Line() string {
	payload := strings.TrimRight(e.Payload, "\n")
	if payload == "" {
		return fmt.Sprintf("[%s] %s", e.Key, e.Action)
	}
	return fmt.Sprintf("[%s] %s %s", e.Key, e.Action, payload)
}

// versionView is the output of `afar version`.
type versionView struct {
	Version  string `json:"version" yaml:"version"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Commit   string `json:"commit" yaml:"commit"`
}

func (v versionView) Columns() []string { return []string{"VERSION", "PROTOCOL", "COMMIT"} }
func (v versionView) Rows() [][]string  { return [][]string{{v.Version, v.Protocol, v.Commit}} }
