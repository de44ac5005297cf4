package runtime

import (
	"time"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/types"
)

// Outcome describes one dispatched block.
type Outcome struct {
	// Key correlates the block's relay events and journal record.
	Key string
	// Location is where the block was sent.
	Location types.Location
	// Executor names the executor of a remote block.
	Executor string
	// Names are the requested names written to Data.
	Names []string
	// Data is the mapping results were written to; nil for a deferred block.
	Data *starlark.Dict
	// Futures hold the remote results, one per name, in request order.
	Futures []*executor.Future
	// ReturnValue is the trailing expression value of a local block.
	ReturnValue starlark.Value
	HasReturn   bool
	// Status is a journal status: finished, submitted or deferred.
	Status string
	// Source is the captured block text.
	Source string
	// Duration covers capture to dispatch; for a gathered remote block it
	// includes the wait for results.
	Duration time.Duration
	// Err is the dispatch failure, if any.
	Err error
}

// Record converts the outcome to a journal record.
func (o *Outcome) Record(startedAt time.Time) lode.BlockRecord {
	rec := lode.BlockRecord{
		Key:       o.Key,
		Location:  string(o.Location),
		Executor:  o.Executor,
		Names:     append([]string(nil), o.Names...),
		Status:    o.Status,
		Source:    o.Source,
		StartedAt: startedAt,
		Duration:  o.Duration,
	}
	if o.Err != nil {
		rec.Status = lode.StatusFailed
		rec.Error = o.Err.Error()
	}
	return rec
}
