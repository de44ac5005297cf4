// Package metrics provides per-session metrics collection.
//
// The Collector accumulates counters while a session dispatches blocks.
// It is a leaf package with no internal dependencies; callers pass
// location names as plain strings.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Blocks
	BlocksByLocation map[string]int64
	BlocksFailed     int64

	// Executor
	TasksSubmitted   int64
	ValuesScattered  int64
	TasksCancelled   int64
	WorkerStarts     int64
	WorkerCrashes    int64
	IPCDecodeErrors  int64

	// Relay
	RelayDelivered int64
	RelayDropped   int64

	// Lode / Storage
	LodeWriteSuccess int64
	LodeWriteFailure int64

	// Dimensions (informational, set at construction)
	Executor       string
	StorageBackend string
	SessionID      string
}

// Collector accumulates metrics during a session.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	blocksByLocation map[string]int64
	blocksFailed     int64

	tasksSubmitted  int64
	valuesScattered int64
	tasksCancelled  int64
	workerStarts    int64
	workerCrashes   int64
	ipcDecodeErrors int64

	relayDelivered int64
	relayDropped   int64

	lodeWriteSuccess int64
	lodeWriteFailure int64

	executor       string
	storageBackend string
	sessionID      string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(executor, storageBackend, sessionID string) *Collector {
	return &Collector{
		blocksByLocation: make(map[string]int64),
		executor:         executor,
		storageBackend:   storageBackend,
		sessionID:        sessionID,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Blocks ---

// IncBlock records a block dispatched to location.
func (c *Collector) IncBlock(location string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.blocksByLocation[location]++
	c.mu.Unlock()
}

// IncBlockFailed records a block whose dispatch returned an error.
func (c *Collector) IncBlockFailed() {
	if c == nil {
		return
	}
	c.add(&c.blocksFailed, 1)
}

// --- Executor ---

// IncSubmitted records one submitted task.
func (c *Collector) IncSubmitted() {
	if c == nil {
		return
	}
	c.add(&c.tasksSubmitted, 1)
}

// AddScattered records n scattered values.
func (c *Collector) AddScattered(n int) {
	if c == nil {
		return
	}
	c.add(&c.valuesScattered, int64(n))
}

// AddCancelled records n cancelled futures.
func (c *Collector) AddCancelled(n int) {
	if c == nil {
		return
	}
	c.add(&c.tasksCancelled, int64(n))
}

// IncWorkerStart records a worker process launch.
func (c *Collector) IncWorkerStart() {
	if c == nil {
		return
	}
	c.add(&c.workerStarts, 1)
}

// IncWorkerCrash records a worker that exited with work in flight.
func (c *Collector) IncWorkerCrash() {
	if c == nil {
		return
	}
	c.add(&c.workerCrashes, 1)
}

// IncIPCDecodeErrors records an IPC frame decode error.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.add(&c.ipcDecodeErrors, 1)
}

// --- Relay ---

// IncRelayDelivered records a relay event applied to a tracked key.
func (c *Collector) IncRelayDelivered() {
	if c == nil {
		return
	}
	c.add(&c.relayDelivered, 1)
}

// IncRelayDropped records a relay event for an unknown key.
func (c *Collector) IncRelayDropped() {
	if c == nil {
		return
	}
	c.add(&c.relayDropped, 1)
}

// --- Lode / Storage ---
// Lode counters are per-call, not per-record.

// IncLodeWriteSuccess records a successful Lode write operation.
func (c *Collector) IncLodeWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.lodeWriteSuccess, 1)
}

// IncLodeWriteFailure records a failed Lode write operation.
func (c *Collector) IncLodeWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.lodeWriteFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks := make(map[string]int64, len(c.blocksByLocation))
	for k, v := range c.blocksByLocation {
		blocks[k] = v
	}

	return Snapshot{
		BlocksByLocation: blocks,
		BlocksFailed:     c.blocksFailed,

		TasksSubmitted:  c.tasksSubmitted,
		ValuesScattered: c.valuesScattered,
		TasksCancelled:  c.tasksCancelled,
		WorkerStarts:    c.workerStarts,
		WorkerCrashes:   c.workerCrashes,
		IPCDecodeErrors: c.ipcDecodeErrors,

		RelayDelivered: c.relayDelivered,
		RelayDropped:   c.relayDropped,

		LodeWriteSuccess: c.lodeWriteSuccess,
		LodeWriteFailure: c.lodeWriteFailure,

		Executor:       c.executor,
		StorageBackend: c.storageBackend,
		SessionID:      c.sessionID,
	}
}
