package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// DurableQueue wraps Queue with a write-ahead log so accepted signals
// survive a crash. An envelope is persisted before delivery and erased
// from the log only after the pipeline durably records its outcome.
type DurableQueue struct {
	queue    *Queue
	walPath  string
	walFile  *os.File
	mu       sync.Mutex
	metrics  DurableQueueMetrics
	inFlight map[string]bool
	closed   bool
}

// DurableQueueMetrics tracks persistence statistics.
type DurableQueueMetrics struct {
	Written   uint64 // envelopes written to WAL
	Recovered uint64 // envelopes recovered on startup
	Completed uint64 // envelopes marked complete
	Failed    uint64 // write failures
}

type walEntry struct {
	Action    string    `json:"action"` // "ENQUEUE" or "COMPLETE"
	Envelope  Envelope  `json:"envelope"`
	Timestamp time.Time `json:"timestamp"`
}

// NewDurableQueue creates a durable queue with its WAL in walDir.
func NewDurableQueue(walDir string, queueSize int) (*DurableQueue, error) {
	if err := os.MkdirAll(walDir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	walPath := filepath.Join(walDir, "signal_queue.wal")
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	return &DurableQueue{
		queue:    NewQueue(queueSize),
		walPath:  walPath,
		walFile:  file,
		inFlight: make(map[string]bool),
	}, nil
}

// Recover re-enqueues envelopes that were accepted but never completed.
// Must be called before Drain.
func (dq *DurableQueue) Recover() error {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	file, err := os.Open(dq.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	enqueued := make(map[string]Envelope)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Printf("⚠️ WAL parse error (skipping): %v", err)
			continue
		}
		switch entry.Action {
		case "ENQUEUE":
			enqueued[entry.Envelope.ID] = entry.Envelope
		case "COMPLETE":
			completed[entry.Envelope.ID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("WAL scan error: %w", err)
	}

	recovered := 0
	for id, env := range enqueued {
		if !completed[id] {
			// Redelivery after a crash counts against the retry budget.
			env.RedeliveryCount++
			enqueued[id] = env
			dq.inFlight[id] = true
			dq.queue.Enqueue(env)
			recovered++
		}
	}

	atomic.AddUint64(&dq.metrics.Recovered, uint64(recovered))
	if recovered > 0 {
		log.Printf("🔄 Recovered %d pending signals from WAL", recovered)
	}

	if recovered > 0 || len(completed) > 10 {
		if err := dq.compactWAL(enqueued, completed); err != nil {
			log.Printf("⚠️ WAL compaction failed: %v", err)
		}
	}
	return nil
}

// compactWAL rewrites the log with only pending entries.
func (dq *DurableQueue) compactWAL(enqueued map[string]Envelope, completed map[string]bool) error {
	tempPath := dq.walPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	pending := 0
	for id, env := range enqueued {
		if completed[id] {
			continue
		}
		entry := walEntry{Action: "ENQUEUE", Envelope: env, Timestamp: env.EnqueuedAt}
		if err := encoder.Encode(entry); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
		pending++
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	dq.walFile.Close()
	if err := os.Rename(tempPath, dq.walPath); err != nil {
		return err
	}
	dq.walFile, err = os.OpenFile(dq.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	log.Printf("✓ WAL compacted: kept %d pending entries", pending)
	return nil
}

// Enqueue persists the envelope to the WAL, then offers it for delivery.
func (dq *DurableQueue) Enqueue(env Envelope) bool {
	dq.mu.Lock()
	if dq.closed {
		dq.mu.Unlock()
		return false
	}

	entry := walEntry{Action: "ENQUEUE", Envelope: env, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		dq.mu.Unlock()
		atomic.AddUint64(&dq.metrics.Failed, 1)
		log.Printf("❌ WAL marshal failed: %v", err)
		return false
	}
	if _, err := dq.walFile.Write(append(data, '\n')); err != nil {
		dq.mu.Unlock()
		atomic.AddUint64(&dq.metrics.Failed, 1)
		log.Printf("❌ WAL write failed: %v", err)
		return false
	}
	if err := dq.walFile.Sync(); err != nil {
		dq.mu.Unlock()
		atomic.AddUint64(&dq.metrics.Failed, 1)
		log.Printf("❌ WAL sync failed: %v", err)
		return false
	}

	dq.inFlight[env.ID] = true
	atomic.AddUint64(&dq.metrics.Written, 1)
	dq.mu.Unlock()

	return dq.queue.Enqueue(env)
}

// Requeue re-offers an already-persisted envelope after a visibility
// delay without writing a second ENQUEUE entry.
func (dq *DurableQueue) Requeue(env Envelope, delay time.Duration) {
	dq.queue.Requeue(env, delay)
}

// MarkComplete records that an envelope's outcome was durably persisted.
func (dq *DurableQueue) MarkComplete(envelopeID string) {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	if !dq.inFlight[envelopeID] {
		return
	}

	entry := walEntry{
		Action:    "COMPLETE",
		Envelope:  Envelope{ID: envelopeID},
		Timestamp: time.Now().UTC(),
	}
	data, _ := json.Marshal(entry)
	dq.walFile.Write(append(data, '\n'))
	// No sync here; a crash replays the signal and dedup absorbs it.

	delete(dq.inFlight, envelopeID)
	atomic.AddUint64(&dq.metrics.Completed, 1)
}

// Chan exposes the delivery channel for select-based consumers.
func (dq *DurableQueue) Chan() <-chan Envelope {
	return dq.queue.Chan()
}

// Drain delivers envelopes to the handler until the context is canceled.
// Completion is the handler's responsibility via MarkComplete, since an
// ack must wait for the outcome to be durably recorded.
func (dq *DurableQueue) Drain(ctx context.Context, handler func(Envelope)) {
	dq.queue.Drain(ctx, handler)
}

// GetMetrics returns persistence metrics.
func (dq *DurableQueue) GetMetrics() DurableQueueMetrics {
	return DurableQueueMetrics{
		Written:   atomic.LoadUint64(&dq.metrics.Written),
		Recovered: atomic.LoadUint64(&dq.metrics.Recovered),
		Completed: atomic.LoadUint64(&dq.metrics.Completed),
		Failed:    atomic.LoadUint64(&dq.metrics.Failed),
	}
}

func (dq *DurableQueue) Len() int {
	return dq.queue.Len()
}

// Close flushes and closes the WAL. In-flight entries stay in the log
// and are re-enqueued by Recover on the next start.
func (dq *DurableQueue) Close() {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	if dq.closed {
		return
	}
	dq.closed = true
	dq.queue.Close()
	if dq.walFile != nil {
		dq.walFile.Sync()
		dq.walFile.Close()
	}
	log.Printf("✓ Signal queue closed: written=%d completed=%d",
		atomic.LoadUint64(&dq.metrics.Written),
		atomic.LoadUint64(&dq.metrics.Completed))
}
