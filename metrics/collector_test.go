package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("local", "memory", "sess-001")

	c.IncBlock("remotely")
	c.IncBlock("remotely")
	c.IncBlock("locally")
	c.IncBlockFailed()
	c.IncSubmitted()
	c.IncSubmitted()
	c.IncSubmitted()
	c.AddScattered(4)
	c.AddCancelled(2)
	c.IncWorkerStart()
	c.IncWorkerCrash()
	c.IncIPCDecodeErrors()
	c.IncRelayDelivered()
	c.IncRelayDelivered()
	c.IncRelayDropped()
	c.IncLodeWriteSuccess()
	c.IncLodeWriteFailure()

	s := c.Snapshot()

	if s.BlocksByLocation["remotely"] != 2 {
		t.Errorf("BlocksByLocation[remotely] = %d, want 2", s.BlocksByLocation["remotely"])
	}
	if s.BlocksByLocation["locally"] != 1 {
		t.Errorf("BlocksByLocation[locally] = %d, want 1", s.BlocksByLocation["locally"])
	}
	if s.BlocksFailed != 1 {
		t.Errorf("BlocksFailed = %d, want 1", s.BlocksFailed)
	}
	if s.TasksSubmitted != 3 {
		t.Errorf("TasksSubmitted = %d, want 3", s.TasksSubmitted)
	}
	if s.ValuesScattered != 4 {
		t.Errorf("ValuesScattered = %d, want 4", s.ValuesScattered)
	}
	if s.TasksCancelled != 2 {
		t.Errorf("TasksCancelled = %d, want 2", s.TasksCancelled)
	}
	if s.WorkerStarts != 1 || s.WorkerCrashes != 1 {
		t.Errorf("workers = %d/%d, want 1/1", s.WorkerStarts, s.WorkerCrashes)
	}
	if s.IPCDecodeErrors != 1 {
		t.Errorf("IPCDecodeErrors = %d, want 1", s.IPCDecodeErrors)
	}
	if s.RelayDelivered != 2 || s.RelayDropped != 1 {
		t.Errorf("relay = %d/%d, want 2/1", s.RelayDelivered, s.RelayDropped)
	}
	if s.LodeWriteSuccess != 1 || s.LodeWriteFailure != 1 {
		t.Errorf("lode = %d/%d, want 1/1", s.LodeWriteSuccess, s.LodeWriteFailure)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	c := NewCollector("process", "s3", "sess-42")
	s := c.Snapshot()

	if s.Executor != "process" {
		t.Errorf("Executor = %q, want %q", s.Executor, "process")
	}
	if s.StorageBackend != "s3" {
		t.Errorf("StorageBackend = %q, want %q", s.StorageBackend, "s3")
	}
	if s.SessionID != "sess-42" {
		t.Errorf("SessionID = %q, want %q", s.SessionID, "sess-42")
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector("local", "memory", "")
	c.IncBlock("later")
	c.IncLodeWriteSuccess()

	s1 := c.Snapshot()

	c.IncBlock("later")
	c.IncLodeWriteSuccess()
	s1.BlocksByLocation["injected"] = 1

	if s1.BlocksByLocation["later"] != 1 {
		t.Errorf("s1.BlocksByLocation[later] = %d, want 1 (snapshot should be frozen)", s1.BlocksByLocation["later"])
	}
	if s1.LodeWriteSuccess != 1 {
		t.Errorf("s1.LodeWriteSuccess = %d, want 1 (snapshot should be frozen)", s1.LodeWriteSuccess)
	}

	s2 := c.Snapshot()
	if s2.BlocksByLocation["later"] != 2 {
		t.Errorf("s2.BlocksByLocation[later] = %d, want 2", s2.BlocksByLocation["later"])
	}
	if _, exists := s2.BlocksByLocation["injected"]; exists {
		t.Error("collector should be isolated from snapshot mutation")
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.IncBlock("remotely")
	c.IncBlockFailed()
	c.IncSubmitted()
	c.AddScattered(1)
	c.AddCancelled(1)
	c.IncWorkerStart()
	c.IncWorkerCrash()
	c.IncIPCDecodeErrors()
	c.IncRelayDelivered()
	c.IncRelayDropped()
	c.IncLodeWriteSuccess()
	c.IncLodeWriteFailure()

	s := c.Snapshot()
	if s.TasksSubmitted != 0 {
		t.Errorf("nil collector snapshot TasksSubmitted = %d, want 0", s.TasksSubmitted)
	}
	if s.BlocksByLocation != nil {
		t.Errorf("nil collector snapshot BlocksByLocation should be nil, got %v", s.BlocksByLocation)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("local", "memory", "")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncSubmitted()
				c.IncBlock("remotely")
				c.IncRelayDelivered()
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.TasksSubmitted != want {
		t.Errorf("TasksSubmitted = %d, want %d", s.TasksSubmitted, want)
	}
	if s.BlocksByLocation["remotely"] != want {
		t.Errorf("BlocksByLocation[remotely] = %d, want %d", s.BlocksByLocation["remotely"], want)
	}
	if s.RelayDelivered != want {
		t.Errorf("RelayDelivered = %d, want %d", s.RelayDelivered, want)
	}
}
