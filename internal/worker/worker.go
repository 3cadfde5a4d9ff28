// Package worker provides the background sync worker that drains the
// queue to the remote backend and periodically pulls remote state into
// the local store.
//
// The worker runs two independently scheduled loops:
//  1. Drain (push path): dequeue pending mutations, push them through
//     the remote adapter, and confirm or fail them with backoff.
//  2. Pull: fetch the full remote state per collection and replace the
//     local copy, sparing entities with pending local edits.
//
// The drain loop ticks on a short fixed interval rather than waiting
// for an explicit trigger, so transient network recovery is picked up
// within seconds. The worker is restartable: queue state is durable and
// resuming is nothing more than re-reading it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okadri/stocksync/internal/queue"
	"github.com/okadri/stocksync/internal/remote"
	"github.com/okadri/stocksync/internal/schema"
	"github.com/okadri/stocksync/internal/store"
)

// Config holds worker configuration.
type Config struct {
	// DrainInterval is how often the push loop scans the queue.
	DrainInterval time.Duration

	// PullInterval is how often remote state is pulled into the store.
	PullInterval time.Duration

	// BatchSize limits how many queue items one drain pass attempts.
	BatchSize int

	// Collections to pull. Defaults to schema.Collections.
	Collections []string

	// Logger for worker activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 5 * time.Second,
		PullInterval:  60 * time.Second,
		BatchSize:     25,
		Collections:   schema.Collections,
		Logger:        log.New(os.Stderr, "[worker] ", log.LstdFlags),
	}
}

// EventType identifies a worker event published to the sink.
type EventType string

const (
	EventDrainComplete EventType = "drain_complete"
	EventPullComplete  EventType = "pull_complete"
	EventDeadLetter    EventType = "dead_letter"
	EventQueueUpdate   EventType = "queue_update"
)

// Event is a sync status notification.
type Event struct {
	Type       EventType
	Collection string
	Pushed     int
	Failed     int
	Pulled     int
	Pending    int
	Dead       int
	ItemID     string
	Err        string
}

// Sink receives worker events. Implementations must not block; the
// worker publishes from its loop goroutines.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

// Status is a point-in-time snapshot of sync health.
type Status struct {
	Pending     int       `json:"pending"`
	Dead        int       `json:"dead"`
	LastDrainAt time.Time `json:"last_drain_at"`
	LastPullAt  time.Time `json:"last_pull_at"`
	LastError   string    `json:"last_error,omitempty"`
	LocalOnly   bool      `json:"local_only"`
}

// Worker orchestrates queue draining and remote pulls.
type Worker struct {
	store  *store.Store
	queue  *queue.Queue
	remote remote.Adapter
	config *Config
	sink   Sink

	// Per-item backoff state. Reset on success, dropped on dead-letter.
	backoffMu sync.Mutex
	backoffs  map[string]*backoff.ExponentialBackOff

	statusMu sync.Mutex
	status   Status

	pullCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker. sink may be nil.
func New(st *store.Store, q *queue.Queue, rm remote.Adapter, config *Config, sink Sink) (*Worker, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if rm == nil {
		return nil, fmt.Errorf("remote adapter cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[worker] ", log.LstdFlags)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 25
	}
	if len(config.Collections) == 0 {
		config.Collections = schema.Collections
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		store:    st,
		queue:    q,
		remote:   rm,
		config:   config,
		sink:     sink,
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		pullCh:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetSink installs the event sink. Must be called before Start; it
// exists so a sink that itself reads worker status can be constructed
// after the worker.
func (w *Worker) SetSink(sink Sink) {
	w.sink = sink
}

// Start launches the drain and pull loops. Use Stop for a clean
// shutdown: in-flight pushes finish, queue state stays durable.
func (w *Worker) Start() {
	w.config.Logger.Println("Starting sync worker")
	w.wg.Add(2)
	go w.drainLoop()
	go w.pullLoop()
}

// Stop shuts the worker down and waits for the loops to exit.
func (w *Worker) Stop() {
	w.config.Logger.Println("Stopping sync worker")
	w.cancel()
	w.wg.Wait()
	w.config.Logger.Println("Sync worker stopped")
}

// TriggerPull requests an immediate pull pass, used after login.
// Non-blocking; a pull already scheduled absorbs the request.
func (w *Worker) TriggerPull() {
	select {
	case w.pullCh <- struct{}{}:
	default:
	}
}

// Status returns the current sync health snapshot.
func (w *Worker) Status() Status {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.status
}

func (w *Worker) drainLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.DrainOnce(w.ctx); err != nil {
				w.config.Logger.Printf("Drain pass failed: %v", err)
			}
		}
	}
}

func (w *Worker) pullLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.pullCh:
		}
		if err := w.PullOnce(w.ctx); err != nil {
			w.config.Logger.Printf("Pull pass failed: %v", err)
		}
	}
}

// DrainOnce performs a single drain pass: dequeue a batch and attempt to
// push every item. Failures are marked with backoff and do not stop the
// pass - items belong to distinct entities, so one poisoned mutation
// never blocks the rest.
func (w *Worker) DrainOnce(ctx context.Context) error {
	items, err := w.queue.DequeueBatch(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var pushed, failed int

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		op := remote.OpUpsert
		if item.Op == queue.OpDelete {
			op = remote.OpDelete
		}

		err := w.remote.Push(ctx, item.Collection, op, item.EntityID, item.Payload)
		switch {
		case err == nil:
			if err := w.queue.MarkSucceeded(ctx, item.ID, item.Version); err != nil {
				w.config.Logger.Printf("WARNING: push confirmed but dequeue failed for %s: %v", item.ID, err)
				continue
			}
			w.clearBackoff(item.ID)
			pushed++

		case errors.Is(err, remote.ErrUnconfigured):
			// Local-only mode: leave the queue alone, nothing to report.
			w.setLocalOnly(true)
			return nil

		default:
			failed++
			if remote.IsAuth(err) {
				w.config.Logger.Printf("AUTH FAILURE pushing %s/%s (re-login likely required): %v",
					item.Collection, item.EntityID, err)
			}
			dead, mfErr := w.queue.MarkFailed(ctx, item.ID, item.Version, err, w.nextDelay(item.ID))
			if mfErr != nil {
				w.config.Logger.Printf("Failed to record push failure for %s: %v", item.ID, mfErr)
				continue
			}
			w.setLastError(err)
			if dead {
				w.clearBackoff(item.ID)
				w.publish(Event{Type: EventDeadLetter, Collection: item.Collection, ItemID: item.ID, Err: err.Error()})
			}
		}
	}

	w.setLocalOnly(false)
	w.touchDrain()

	pending, dead := w.refreshCounts(ctx)
	w.publish(Event{Type: EventDrainComplete, Pushed: pushed, Failed: failed, Pending: pending, Dead: dead})
	w.publish(Event{Type: EventQueueUpdate, Pending: pending, Dead: dead})

	if pushed > 0 || failed > 0 {
		w.config.Logger.Printf("Drain pass complete: pushed=%d failed=%d", pushed, failed)
	}
	return nil
}

// PullOnce fetches remote state for every configured collection and
// replaces the local copy, preserving entities with pending queue items
// (pending-wins). The pending snapshot is taken immediately before each
// ReplaceAll; entities enqueued afterwards serialize behind the store's
// write locks and land after the replace commits.
func (w *Worker) PullOnce(ctx context.Context) error {
	for _, collection := range w.config.Collections {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entities, err := w.remote.Pull(ctx, collection)
		if errors.Is(err, remote.ErrUnconfigured) {
			w.setLocalOnly(true)
			return nil
		}
		if err != nil {
			w.config.Logger.Printf("Pull failed for %s: %v", collection, err)
			w.setLastError(err)
			continue
		}

		pending, err := w.queue.PendingIDs(ctx, collection)
		if err != nil {
			return err
		}

		if err := w.store.ReplaceAll(ctx, collection, entities, pending); err != nil {
			return err
		}

		w.publish(Event{Type: EventPullComplete, Collection: collection, Pulled: len(entities)})
	}

	w.setLocalOnly(false)
	w.touchPull()
	return nil
}

// nextDelay returns the backoff delay for an item's next retry,
// advancing its exponential schedule.
func (w *Worker) nextDelay(itemID string) time.Duration {
	w.backoffMu.Lock()
	defer w.backoffMu.Unlock()

	b, ok := w.backoffs[itemID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = w.config.DrainInterval
		b.MaxInterval = 5 * time.Minute
		b.MaxElapsedTime = 0 // the attempt ceiling is the queue's job
		b.Reset()
		w.backoffs[itemID] = b
	}
	return b.NextBackOff()
}

func (w *Worker) clearBackoff(itemID string) {
	w.backoffMu.Lock()
	delete(w.backoffs, itemID)
	w.backoffMu.Unlock()
}

func (w *Worker) publish(e Event) {
	if w.sink != nil {
		w.sink.Publish(e)
	}
}

// refreshCounts reads the queue depths into the status snapshot and
// returns them for event publishing.
func (w *Worker) refreshCounts(ctx context.Context) (pending, dead int) {
	pending, dead, err := w.queue.Counts(ctx)
	if err != nil {
		return 0, 0
	}
	w.statusMu.Lock()
	w.status.Pending = pending
	w.status.Dead = dead
	w.statusMu.Unlock()
	return pending, dead
}

func (w *Worker) touchDrain() {
	w.statusMu.Lock()
	w.status.LastDrainAt = time.Now().UTC()
	w.statusMu.Unlock()
}

func (w *Worker) touchPull() {
	w.statusMu.Lock()
	w.status.LastPullAt = time.Now().UTC()
	w.statusMu.Unlock()
}

func (w *Worker) setLastError(err error) {
	w.statusMu.Lock()
	w.status.LastError = err.Error()
	w.statusMu.Unlock()
}

func (w *Worker) setLocalOnly(v bool) {
	w.statusMu.Lock()
	w.status.LocalOnly = v
	w.statusMu.Unlock()
}
