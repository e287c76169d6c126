package serverengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/docsync/docsync/internal/errs"
	"github.com/docsync/docsync/internal/patchmodel"
	"github.com/docsync/docsync/internal/protocol"
	"github.com/docsync/docsync/internal/sessionregistry"
	"github.com/docsync/docsync/internal/transport"
)

// serveConnection owns one websocket connection end to end: the
// mandatory authenticate handshake, then a reader loop dispatching
// requests and a writer loop draining the session's broadcast queue,
// until either fails or the server is shutting down.
func (s *Server) serveConnection(conn *transport.Conn) error {
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	userID, clientID, err := s.authenticate(conn)
	if err != nil {
		return fmt.Errorf("serverengine: authenticate: %w", err)
	}

	sessionID := uuid.NewString()
	session := s.sessions.Register(userID, sessionID, clientID)
	defer s.sessions.Remove(userID, sessionID)

	done := make(chan struct{})
	defer close(done)

	readerDone := make(chan error, 1)
	writerDone := make(chan error, 1)
	heartbeatDone := make(chan error, 1)
	go func() { readerDone <- s.readLoop(conn, userID, session) }()
	go func() { writerDone <- s.writeLoop(conn, session) }()
	go func() { heartbeatDone <- s.heartbeatLoop(session, done) }()

	select {
	case err := <-readerDone:
		return err
	case err := <-writerDone:
		return err
	case err := <-heartbeatDone:
		return err
	case <-s.ctx.Done():
		return nil
	}
}

// heartbeatLoop sends a ping frame every cfg.HeartbeatInterval and
// closes the connection after two consecutive ticks without a pong,
// per spec.md §4.5/§5. It returns when done is closed, i.e. once
// serveConnection has finished with the session.
func (s *Server) heartbeatLoop(session *sessionregistry.Session, done <-chan struct{}) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	awaitingPong := false
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			if awaitingPong {
				select {
				case <-session.PongSeen:
					missed = 0
				default:
					missed++
					if missed >= 2 {
						return fmt.Errorf("serverengine: missed %d consecutive heartbeat pongs", missed)
					}
				}
			}
			select {
			case session.Outbound <- sessionregistry.OutboundMessage{Type: protocol.TypePing, Payload: struct{}{}}:
				awaitingPong = true
			default:
				return fmt.Errorf("serverengine: outbound queue full sending heartbeat ping")
			}
		}
	}
}

// authenticate consumes the mandatory first frame, verifies its HMAC
// signature against the looked-up credential, and resolves (or lazily
// creates) the authenticating user.
func (s *Server) authenticate(conn *transport.Conn) (uuid.UUID, string, error) {
	env, err := conn.ReadEnvelope(s.ctx)
	if err != nil {
		return uuid.Nil, "", err
	}
	if env.Type != protocol.TypeAuthenticate {
		_ = conn.WriteEnvelope(s.ctx, protocol.TypeAuthFailure, protocol.AuthFailure{Reason: "authenticate must be the first frame"})
		return uuid.Nil, "", fmt.Errorf("unexpected first frame %q", env.Type)
	}

	var auth protocol.Authenticate
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		return uuid.Nil, "", err
	}

	cred, err := s.creds.Lookup(s.ctx, auth.APIKey)
	if err != nil {
		_ = conn.WriteEnvelope(s.ctx, protocol.TypeAuthFailure, protocol.AuthFailure{Reason: "unknown credential"})
		return uuid.Nil, "", err
	}
	if !transport.VerifySignature(cred.Secret, auth.Timestamp, auth.Email, auth.APIKey, auth.Body, auth.Signature, time.Now()) {
		_ = conn.WriteEnvelope(s.ctx, protocol.TypeAuthFailure, protocol.AuthFailure{Reason: "invalid signature"})
		return uuid.Nil, "", fmt.Errorf("%w: signature verification failed", errs.ErrUnauthorized)
	}
	_ = s.creds.TouchLastUsed(s.ctx, auth.APIKey)

	user, err := s.users.GetOrCreateByEmail(s.ctx, auth.Email)
	if err != nil {
		_ = conn.WriteEnvelope(s.ctx, protocol.TypeAuthFailure, protocol.AuthFailure{Reason: "could not resolve user"})
		return uuid.Nil, "", err
	}

	if err := conn.WriteEnvelope(s.ctx, protocol.TypeAuthSuccess, protocol.AuthSuccess{UserID: user.ID}); err != nil {
		return uuid.Nil, "", err
	}
	return user.ID, auth.ClientID, nil
}

// readLoop dispatches every frame received on conn until it errors or
// the server stops.
func (s *Server) readLoop(conn *transport.Conn, userID uuid.UUID, session *sessionregistry.Session) error {
	for {
		env, err := conn.ReadEnvelope(s.ctx)
		if err != nil {
			return err
		}
		if err := s.handleFrame(conn, userID, session, env); err != nil {
			s.cfg.Logger.Printf("handle frame %s: %v", env.Type, err)
		}
	}
}

// writeLoop drains session.Outbound onto the wire until it is closed
// (slow-consumer ejection) or the server stops.
func (s *Server) writeLoop(conn *transport.Conn, session *sessionregistry.Session) error {
	for {
		select {
		case msg, ok := <-session.Outbound:
			if !ok {
				return nil
			}
			if err := conn.WriteEnvelope(s.ctx, msg.Type, msg.Payload); err != nil {
				return err
			}
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Server) handleFrame(conn *transport.Conn, userID uuid.UUID, session *sessionregistry.Session, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeCreateDocument:
		return s.handleCreate(conn, userID, env.Payload)
	case protocol.TypeUpdateDocument:
		return s.handleUpdate(conn, userID, env.Payload)
	case protocol.TypeDeleteDocument:
		return s.handleDelete(conn, userID, env.Payload)
	case protocol.TypeGetChangesSince:
		return s.handleGetChangesSince(conn, userID, env.Payload)
	case protocol.TypeAckChanges:
		return s.handleAckChanges(conn, env.Payload)
	case protocol.TypePing:
		return conn.WriteEnvelope(s.ctx, protocol.TypePong, struct{}{})
	case protocol.TypePong:
		select {
		case session.PongSeen <- struct{}{}:
		default:
		}
		return nil
	default:
		return s.sendError(conn, protocol.ErrCodeServerError, fmt.Sprintf("unhandled frame type %q", env.Type))
	}
}

func (s *Server) handleCreate(conn *transport.Conn, userID uuid.UUID, payload json.RawMessage) error {
	var msg protocol.CreateDocument
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	hash, err := patchmodel.ContentHash(msg.Content)
	if err != nil {
		return s.sendError(conn, protocol.ErrCodeInvalidPatch, err.Error())
	}
	var docID uuid.UUID
	if msg.DocumentID != nil {
		docID = *msg.DocumentID
	}
	doc, ev, err := s.docs.Create(s.ctx, userID, docID, msg.Content, hash)
	if err != nil {
		return s.sendError(conn, protocol.ErrCodeServerError, err.Error())
	}
	s.sessions.Broadcast(userID, protocol.TypeDocumentCreated, protocol.DocumentCreated{Document: doc, Sequence: ev.Sequence})
	return nil
}

func (s *Server) handleUpdate(conn *transport.Conn, userID uuid.UUID, payload json.RawMessage) error {
	var msg protocol.UpdateDocument
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}

	current, err := s.docs.Get(s.ctx, userID, msg.DocumentID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return s.sendError(conn, protocol.ErrCodeDocumentMissing, "document not found")
		}
		return s.sendError(conn, protocol.ErrCodeServerError, err.Error())
	}

	newContent, err := patchmodel.Apply(msg.Patch, current.Content)
	if err != nil {
		return s.sendError(conn, protocol.ErrCodeInvalidPatch, err.Error())
	}
	newHash, err := patchmodel.ContentHash(newContent)
	if err != nil {
		return s.sendError(conn, protocol.ErrCodeInvalidPatch, err.Error())
	}
	forward, reverse, err := patchmodel.GeneratePatch(current.Content, newContent)
	if err != nil {
		return s.sendError(conn, protocol.ErrCodeInvalidPatch, err.Error())
	}

	doc, ev, err := s.docs.Update(s.ctx, userID, msg.DocumentID, msg.BaseVersion, msg.BaseContentHash, newContent, newHash, forward, reverse)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return conn.WriteEnvelope(s.ctx, protocol.TypeConflict, protocol.Conflict{
				DocumentID: msg.DocumentID, ServerDoc: doc, Reason: "version_mismatch",
			})
		}
		if errors.Is(err, errs.ErrNotFound) {
			return s.sendError(conn, protocol.ErrCodeDocumentMissing, "document not found")
		}
		return s.sendError(conn, protocol.ErrCodeServerError, err.Error())
	}

	s.sessions.Broadcast(userID, protocol.TypeDocumentUpdated, protocol.DocumentUpdated{
		DocumentID: msg.DocumentID, Patch: forward, Version: doc.Version, ContentHash: doc.ContentHash, Sequence: ev.Sequence,
	})
	return nil
}

func (s *Server) handleDelete(conn *transport.Conn, userID uuid.UUID, payload json.RawMessage) error {
	var msg protocol.DeleteDocument
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}

	ev, err := s.docs.Delete(s.ctx, userID, msg.DocumentID, msg.BaseVersion)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			current, getErr := s.docs.Get(s.ctx, userID, msg.DocumentID)
			if getErr != nil {
				return s.sendError(conn, protocol.ErrCodeServerError, getErr.Error())
			}
			return conn.WriteEnvelope(s.ctx, protocol.TypeConflict, protocol.Conflict{
				DocumentID: msg.DocumentID, ServerDoc: current, Reason: "version_mismatch",
			})
		}
		if errors.Is(err, errs.ErrNotFound) {
			return s.sendError(conn, protocol.ErrCodeDocumentMissing, "document not found")
		}
		return s.sendError(conn, protocol.ErrCodeServerError, err.Error())
	}

	s.sessions.Broadcast(userID, protocol.TypeDocumentDeleted, protocol.DocumentDeleted{DocumentID: msg.DocumentID, Sequence: ev.Sequence})
	return nil
}

func (s *Server) handleGetChangesSince(conn *transport.Conn, userID uuid.UUID, payload json.RawMessage) error {
	var msg protocol.GetChangesSince
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	limit := msg.Limit
	if limit <= 0 || limit > s.cfg.PullLimit {
		limit = s.cfg.PullLimit
	}

	events, hasMore, err := s.docs.GetChangesSince(s.ctx, userID, msg.LastSequence, limit)
	if err != nil {
		return s.sendError(conn, protocol.ErrCodeServerError, err.Error())
	}
	latest := msg.LastSequence
	if n := len(events); n > 0 {
		latest = events[n-1].Sequence
	}
	return conn.WriteEnvelope(s.ctx, protocol.TypeChanges, protocol.Changes{
		Events: events, LatestSequence: latest, HasMore: hasMore,
	})
}

func (s *Server) handleAckChanges(conn *transport.Conn, payload json.RawMessage) error {
	var msg protocol.AckChanges
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	return conn.WriteEnvelope(s.ctx, protocol.TypeChangesAcknowledged, protocol.ChangesAcknowledged{Sequence: msg.UpToSequence})
}

func (s *Server) sendError(conn *transport.Conn, code protocol.ErrorCode, message string) error {
	return conn.WriteEnvelope(s.ctx, protocol.TypeError, protocol.ErrorMessage{Code: code, Message: message})
}
