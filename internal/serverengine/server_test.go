package serverengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/docsync/docsync/internal/protocol"
	"github.com/docsync/docsync/internal/serverstore"
	"github.com/docsync/docsync/internal/transport"
)

func newTestServer(t *testing.T) (*Server, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	db := &serverstore.DB{Pool: mock}
	srv := New(db, &Config{Addr: "127.0.0.1:0"})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return srv, mock
}

func TestServerStartStop(t *testing.T) {
	srv, mock := newTestServer(t)
	defer mock.Close()
	if srv.Addr() == "" {
		t.Fatal("expected non-empty listen address")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	srv, mock := newTestServer(t)
	defer mock.Close()
	defer srv.Stop()

	apiKey, secret := "rpa_test", "rps_test"
	mock.ExpectQuery(`SELECT api_key, secret, name, active, last_used_at, created_at FROM api_credentials`).
		WithArgs(apiKey).
		WillReturnRows(pgxmock.NewRows([]string{"api_key", "secret", "name", "active", "last_used_at", "created_at"}).
			AddRow(apiKey, secret, "test", true, nil, time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/sync", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	conn := transport.NewConn(ws)

	timestamp := time.Now().Unix()
	if err := conn.WriteEnvelope(ctx, protocol.TypeAuthenticate, protocol.Authenticate{
		Email: "a@example.com", ClientID: "c1", APIKey: apiKey,
		Timestamp: timestamp, Signature: "bogus", Body: "",
	}); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}

	env, err := conn.ReadEnvelope(ctx)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if env.Type != protocol.TypeAuthFailure {
		t.Fatalf("expected auth_failure, got %q", env.Type)
	}
}

func TestAuthenticateAndCreateDocument(t *testing.T) {
	srv, mock := newTestServer(t)
	defer mock.Close()
	defer srv.Stop()

	apiKey, secret := "rpa_test", "rps_test"
	email := "a@example.com"
	userID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT api_key, secret, name, active, last_used_at, created_at FROM api_credentials`).
		WithArgs(apiKey).
		WillReturnRows(pgxmock.NewRows([]string{"api_key", "secret", "name", "active", "last_used_at", "created_at"}).
			AddRow(apiKey, secret, "test", true, nil, now))
	mock.ExpectExec(`UPDATE api_credentials SET last_used_at`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT id, email, created_at, updated_at FROM users`).
		WithArgs(email).
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "created_at", "updated_at"}).
			AddRow(userID, email, now, now))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/sync", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	conn := transport.NewConn(ws)

	timestamp := time.Now().Unix()
	sig := transport.Sign(secret, timestamp, email, apiKey, "")
	if err := conn.WriteEnvelope(ctx, protocol.TypeAuthenticate, protocol.Authenticate{
		Email: email, ClientID: "c1", APIKey: apiKey,
		Timestamp: timestamp, Signature: sig, Body: "",
	}); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}

	env, err := conn.ReadEnvelope(ctx)
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if env.Type != protocol.TypeAuthSuccess {
		t.Fatalf("expected auth_success, got %q", env.Type)
	}
	var ok protocol.AuthSuccess
	if err := json.Unmarshal(env.Payload, &ok); err != nil {
		t.Fatalf("decode auth success: %v", err)
	}
	if ok.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, ok.UserID)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO document_revisions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT nextval\('change_events_seq'\)`).
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO change_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := conn.WriteEnvelope(ctx, protocol.TypeCreateDocument, protocol.CreateDocument{
		Content: json.RawMessage(`{"title":"hello"}`),
	}); err != nil {
		t.Fatalf("write create_document: %v", err)
	}

	env, err = conn.ReadEnvelope(ctx)
	if err != nil {
		t.Fatalf("read create echo: %v", err)
	}
	if env.Type != protocol.TypeDocumentCreated {
		t.Fatalf("expected document_created, got %q", env.Type)
	}
}
