// Package clientengine implements C6's client half: the connection
// supervisor, uploader task, and inbound applier that keep a
// clientstore.Store synchronized with the server over a
// transport.Conn, emitting events through an events.Dispatcher.
// Modeled on the teacher's internal/turso/daemon.Daemon — a config
// struct with a *log.Logger, a ctx/cancel pair, a sync.WaitGroup of
// background goroutines, and a graceful Start/Stop lifecycle — adapted
// from file-watching to network sync.
package clientengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsync/docsync/internal/clientstore"
	"github.com/docsync/docsync/internal/errs"
	"github.com/docsync/docsync/internal/events"
	"github.com/docsync/docsync/internal/protocol"
	"github.com/docsync/docsync/internal/transport"
)

// Config configures an Engine.
type Config struct {
	ServerURL         string
	Email             string
	ClientID          string
	APIKey            string
	APISecret         string
	HeartbeatInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	PullLimit         int
	Logger            *log.Logger
}

// DefaultConfig returns sensible defaults, matching the teacher's
// DefaultConfig helper pattern.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		BackoffMin:        1 * time.Second,
		BackoffMax:        30 * time.Second,
		PullLimit:         500,
		Logger:            log.New(os.Stderr, "[clientengine] ", log.LstdFlags),
	}
}

// Engine is one client replica's sync engine.
type Engine struct {
	store      *clientstore.Store
	dispatcher *events.Dispatcher
	cfg        *Config
	userID     uuid.UUID

	mu      sync.Mutex
	conn    *transport.Conn
	state   transport.ConnectionState
	backoff *transport.Backoff

	uploadSignal chan struct{}
	inFlight     map[uuid.UUID]int64 // document id -> queue entry id awaiting server echo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine. Call Start to begin connecting.
func New(store *clientstore.Store, dispatcher *events.Dispatcher, cfg *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("clientengine: store cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("clientengine: dispatcher cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Engine{
		store:        store,
		dispatcher:   dispatcher,
		cfg:          cfg,
		backoff:      transport.NewBackoff(cfg.BackoffMin, cfg.BackoffMax),
		uploadSignal: make(chan struct{}, 1),
	}, nil
}

// Start launches the connection supervisor in the background. It
// returns immediately; connection and authentication happen
// asynchronously.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.supervise()
}

// Stop signals shutdown and waits for all background tasks to exit.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close(4000, "client shutdown")
		e.conn = nil
	}
	return nil
}

// IsConnected reports whether the engine currently holds an
// authenticated connection.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == transport.StateConnected
}

func (e *Engine) setState(s transport.ConnectionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) setConn(c *transport.Conn) {
	e.mu.Lock()
	e.conn = c
	e.mu.Unlock()
}

func (e *Engine) currentConn() *transport.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// supervise owns the connect/auth/read/reconnect loop. It is the
// engine's heartbeat/reconnection supervisor task from spec.md §5.
func (e *Engine) supervise() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		e.setState(transport.StateConnecting)
		delay, attempt := e.backoff.Next()
		if attempt > 1 {
			e.dispatcher.EmitConnection(events.ConnectionEvent{Kind: events.ConnectionAttempted, Attempt: attempt})
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(delay):
			}
		} else {
			e.dispatcher.EmitConnection(events.ConnectionEvent{Kind: events.ConnectionAttempted, Attempt: attempt})
		}

		if err := e.runConnection(); err != nil {
			e.cfg.Logger.Printf("connection ended: %v", err)
			e.dispatcher.EmitConnection(events.ConnectionEvent{Kind: events.ConnectionLost, Connected: false, Attempt: attempt})
			e.dispatcher.EmitError(events.ErrorEvent{Message: err.Error()})
		}
	}
}

// runConnection dials, authenticates, and runs the reader/uploader
// pair until the connection drops or the engine is stopped.
func (e *Engine) runConnection() error {
	conn, err := transport.Dial(e.ctx, e.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close(1000, "reconnecting") }()

	e.setState(transport.StateAuthenticating)
	if err := e.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	e.setState(transport.StateConnected)
	e.setConn(conn)
	defer e.setConn(nil)
	e.backoff.Reset()
	e.dispatcher.EmitConnection(events.ConnectionEvent{Kind: events.ConnectionSucceeded, Connected: true})

	if err := e.pullChanges(conn); err != nil {
		e.cfg.Logger.Printf("initial pull failed: %v", err)
	}

	readerDone := make(chan error, 1)
	go func() { readerDone <- e.readLoop(conn) }()
	e.triggerUpload()

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case err := <-readerDone:
			return err
		case <-heartbeat.C:
			if err := conn.WriteEnvelope(e.ctx, protocol.TypePing, struct{}{}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-e.uploadSignal:
			if err := e.drainQueue(conn); err != nil {
				e.cfg.Logger.Printf("upload failed: %v", err)
			}
		}
	}
}

func (e *Engine) authenticate(conn *transport.Conn) error {
	timestamp := time.Now().Unix()
	body := ""
	sig := transport.Sign(e.cfg.APISecret, timestamp, e.cfg.Email, e.cfg.APIKey, body)

	if err := conn.WriteEnvelope(e.ctx, protocol.TypeAuthenticate, protocol.Authenticate{
		Email: e.cfg.Email, ClientID: e.cfg.ClientID, APIKey: e.cfg.APIKey,
		Timestamp: timestamp, Signature: sig, Body: body,
	}); err != nil {
		return err
	}

	env, err := conn.ReadEnvelope(e.ctx)
	if err != nil {
		return err
	}
	switch env.Type {
	case protocol.TypeAuthSuccess:
		var ok protocol.AuthSuccess
		if err := json.Unmarshal(env.Payload, &ok); err != nil {
			return err
		}
		e.userID = ok.UserID
		return nil
	case protocol.TypeAuthFailure:
		var fail protocol.AuthFailure
		_ = json.Unmarshal(env.Payload, &fail)
		return fmt.Errorf("%w: %s", errs.ErrUnauthorized, fail.Reason)
	default:
		return fmt.Errorf("unexpected frame %q during authentication", env.Type)
	}
}

// triggerUpload signals the uploader without blocking if it is already
// pending.
func (e *Engine) triggerUpload() {
	select {
	case e.uploadSignal <- struct{}{}:
	default:
	}
}
