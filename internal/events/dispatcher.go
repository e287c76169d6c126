// Package events implements the embedder-facing event dispatcher: a
// thread-safe multi-producer queue drained only on the embedder's own
// thread when it calls ProcessEvents, per spec.md §4.7. Modeled after the
// teacher's dashboard broadcast channel
// (internal/turso/dashboard/server.go) but single-consumer instead of
// fanned out to network clients.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// DocumentEventKind enumerates document callback kinds.
type DocumentEventKind string

const (
	DocumentCreated DocumentEventKind = "created"
	DocumentUpdated DocumentEventKind = "updated"
	DocumentDeleted DocumentEventKind = "deleted"
)

// SyncEventKind enumerates sync callback kinds.
type SyncEventKind string

const (
	SyncStarted   SyncEventKind = "started"
	SyncCompleted SyncEventKind = "completed"
)

// ConnectionEventKind enumerates connection callback kinds.
type ConnectionEventKind string

const (
	ConnectionLost      ConnectionEventKind = "lost"
	ConnectionAttempted ConnectionEventKind = "attempted"
	ConnectionSucceeded ConnectionEventKind = "succeeded"
)

// DocumentEvent is delivered to document callbacks.
type DocumentEvent struct {
	Kind       DocumentEventKind
	DocumentID uuid.UUID
	Title      string
	Content    string
}

// SyncEvent is delivered to sync callbacks.
type SyncEvent struct {
	Kind  SyncEventKind
	Count int
}

// ErrorEvent is delivered to error callbacks.
type ErrorEvent struct {
	Message string
}

// ConnectionEvent is delivered to connection callbacks.
type ConnectionEvent struct {
	Kind      ConnectionEventKind
	Connected bool
	Attempt   int
}

// ConflictEvent is delivered to conflict callbacks.
type ConflictEvent struct {
	DocumentID      uuid.UUID
	WinningContent  string
	LosingContent   string
}

type queued struct {
	document   *DocumentEvent
	sync       *SyncEvent
	err        *ErrorEvent
	connection *ConnectionEvent
	conflict   *ConflictEvent
}

// DocumentCallback, SyncCallback, ErrorCallback, ConnectionCallback and
// ConflictCallback are the five independently-registered callback
// families from spec.md §4.7.
type (
	DocumentCallback   func(DocumentEvent)
	SyncCallback       func(SyncEvent)
	ErrorCallback      func(ErrorEvent)
	ConnectionCallback func(ConnectionEvent)
	ConflictCallback   func(ConflictEvent)
)

type registration[F any] struct {
	kindFilter string // empty means "all kinds"
	fn         F
}

// Dispatcher is a process-wide facility per client engine: producers
// append events from any goroutine; only the embedder's call to
// ProcessEvents drains and invokes callbacks, synchronously, on the
// calling goroutine.
type Dispatcher struct {
	mu    sync.Mutex
	queue []queued

	draining bool
	pending  []func()

	documentCBs   []registration[DocumentCallback]
	syncCBs       []registration[SyncCallback]
	errorCBs      []registration[ErrorCallback]
	connectionCBs []registration[ConnectionCallback]
	conflictCBs   []registration[ConflictCallback]

	capacity int
}

// New returns an empty Dispatcher. capacity bounds the internal queue;
// 0 means unbounded. Overflow drops the oldest event, matching the
// teacher's broadcast channel's "drop when full" policy
// (internal/turso/dashboard/server.go's Broadcast).
func New(capacity int) *Dispatcher {
	return &Dispatcher{capacity: capacity}
}

func (d *Dispatcher) enqueue(q queued) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capacity > 0 && len(d.queue) >= d.capacity {
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, q)
}

// EmitDocument appends a document event to the queue.
func (d *Dispatcher) EmitDocument(e DocumentEvent) { d.enqueue(queued{document: &e}) }

// EmitSync appends a sync event to the queue.
func (d *Dispatcher) EmitSync(e SyncEvent) { d.enqueue(queued{sync: &e}) }

// EmitError appends an error event to the queue.
func (d *Dispatcher) EmitError(e ErrorEvent) { d.enqueue(queued{err: &e}) }

// EmitConnection appends a connection event to the queue.
func (d *Dispatcher) EmitConnection(e ConnectionEvent) { d.enqueue(queued{connection: &e}) }

// EmitConflict appends a conflict event to the queue.
func (d *Dispatcher) EmitConflict(e ConflictEvent) { d.enqueue(queued{conflict: &e}) }

// RegisterDocumentCallback registers a document callback, optionally
// restricted to a single DocumentEventKind. If called while draining,
// registration is deferred until the next drain.
func (d *Dispatcher) RegisterDocumentCallback(fn DocumentCallback, kindFilter ...DocumentEventKind) {
	filter := ""
	if len(kindFilter) > 0 {
		filter = string(kindFilter[0])
	}
	d.withDeferredRegistration(func() {
		d.documentCBs = append(d.documentCBs, registration[DocumentCallback]{fn: fn, kindFilter: filter})
	})
}

// RegisterSyncCallback registers a sync callback, optionally restricted
// to a single SyncEventKind.
func (d *Dispatcher) RegisterSyncCallback(fn SyncCallback, kindFilter ...SyncEventKind) {
	filter := ""
	if len(kindFilter) > 0 {
		filter = string(kindFilter[0])
	}
	d.withDeferredRegistration(func() {
		d.syncCBs = append(d.syncCBs, registration[SyncCallback]{fn: fn, kindFilter: filter})
	})
}

// RegisterErrorCallback registers an error callback.
func (d *Dispatcher) RegisterErrorCallback(fn ErrorCallback) {
	d.withDeferredRegistration(func() {
		d.errorCBs = append(d.errorCBs, registration[ErrorCallback]{fn: fn})
	})
}

// RegisterConnectionCallback registers a connection callback, optionally
// restricted to a single ConnectionEventKind.
func (d *Dispatcher) RegisterConnectionCallback(fn ConnectionCallback, kindFilter ...ConnectionEventKind) {
	filter := ""
	if len(kindFilter) > 0 {
		filter = string(kindFilter[0])
	}
	d.withDeferredRegistration(func() {
		d.connectionCBs = append(d.connectionCBs, registration[ConnectionCallback]{fn: fn, kindFilter: filter})
	})
}

// RegisterConflictCallback registers a conflict callback.
func (d *Dispatcher) RegisterConflictCallback(fn ConflictCallback) {
	d.withDeferredRegistration(func() {
		d.conflictCBs = append(d.conflictCBs, registration[ConflictCallback]{fn: fn})
	})
}

func (d *Dispatcher) withDeferredRegistration(apply func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		d.pending = append(d.pending, apply)
		return
	}
	apply()
}

// ProcessEvents drains the queue and invokes registered callbacks
// synchronously on the calling goroutine, returning the count processed.
// The dispatcher never invokes callbacks from a producer goroutine.
func (d *Dispatcher) ProcessEvents() int {
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.draining = true
	d.mu.Unlock()

	for _, q := range batch {
		switch {
		case q.document != nil:
			for _, r := range d.documentCBs {
				if r.kindFilter == "" || r.kindFilter == string(q.document.Kind) {
					r.fn(*q.document)
				}
			}
		case q.sync != nil:
			for _, r := range d.syncCBs {
				if r.kindFilter == "" || r.kindFilter == string(q.sync.Kind) {
					r.fn(*q.sync)
				}
			}
		case q.err != nil:
			for _, r := range d.errorCBs {
				r.fn(*q.err)
			}
		case q.connection != nil:
			for _, r := range d.connectionCBs {
				if r.kindFilter == "" || r.kindFilter == string(q.connection.Kind) {
					r.fn(*q.connection)
				}
			}
		case q.conflict != nil:
			for _, r := range d.conflictCBs {
				r.fn(*q.conflict)
			}
		}
	}

	d.mu.Lock()
	d.draining = false
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, apply := range pending {
		apply()
	}

	return len(batch)
}
