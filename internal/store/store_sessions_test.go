package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertAgentSessionNew(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()

	query := regexp.QuoteMeta(`
INSERT INTO agent_sessions (id, site_id, fingerprint_hash, surface, vectors_seen, visit_count, first_seen_at, last_seen_at)
VALUES ($1,$2,$3,$4,'[]',1,NOW(),NOW())
ON CONFLICT (site_id, fingerprint_hash, surface) DO UPDATE SET
  visit_count  = agent_sessions.visit_count + 1,
  last_seen_at = NOW()
RETURNING id, site_id, fingerprint_hash, surface, vectors_seen, visit_count, first_seen_at, last_seen_at`)
	mock.ExpectQuery(query).
		WithArgs(sqlmock.AnyArg(), "site-1", "fp-hash", "web").
		WillReturnRows(sqlmock.NewRows([]string{"id", "site_id", "fingerprint_hash", "surface", "vectors_seen", "visit_count", "first_seen_at", "last_seen_at"}).
			AddRow("sess-1", "site-1", "fp-hash", "web", []byte(`[]`), 1, now, now))

	sess, isNew, err := st.UpsertAgentSession(context.Background(), "site-1", "fp-hash", "web")
	if err != nil {
		t.Fatalf("UpsertAgentSession: %v", err)
	}
	if !isNew {
		t.Fatalf("expected new session")
	}
	if sess.VisitCount != 1 {
		t.Fatalf("expected visit_count 1, got %d", sess.VisitCount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertAgentSessionReturning(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	first := time.Now().Add(-time.Hour)
	last := time.Now()

	mock.ExpectQuery(`INSERT INTO agent_sessions`).
		WithArgs(sqlmock.AnyArg(), "site-1", "fp-hash", "web").
		WillReturnRows(sqlmock.NewRows([]string{"id", "site_id", "fingerprint_hash", "surface", "vectors_seen", "visit_count", "first_seen_at", "last_seen_at"}).
			AddRow("sess-1", "site-1", "fp-hash", "web", []byte(`["html_comment","meta_tag"]`), 3, first, last))

	sess, isNew, err := st.UpsertAgentSession(context.Background(), "site-1", "fp-hash", "web")
	if err != nil {
		t.Fatalf("UpsertAgentSession: %v", err)
	}
	if isNew {
		t.Fatalf("visit_count 3 must not report a new session")
	}
	if sess.VisitCount != 3 {
		t.Fatalf("expected visit_count 3, got %d", sess.VisitCount)
	}
	if len(sess.VectorsSeen) != 2 || sess.VectorsSeen[0] != "html_comment" {
		t.Fatalf("unexpected vectors_seen: %#v", sess.VectorsSeen)
	}
}

func TestUpsertAgentSessionValidation(t *testing.T) {
	st := &Store{}
	if _, _, err := st.UpsertAgentSession(context.Background(), "", "fp", "web"); err == nil {
		t.Fatalf("expected error for empty site_id")
	}
	if _, _, err := st.UpsertAgentSession(context.Background(), "site-1", "fp", ""); err == nil {
		t.Fatalf("expected error for empty surface")
	}
}

func TestSetSessionVectors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`UPDATE agent_sessions SET vectors_seen=$2 WHERE id=$1`)
	mock.ExpectExec(query).
		WithArgs("sess-1", []byte(`["html_comment","meta_tag"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SetSessionVectors(context.Background(), "sess-1", []string{"html_comment", "meta_tag"}); err != nil {
		t.Fatalf("SetSessionVectors: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetSessionVectorsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectExec(`UPDATE agent_sessions SET vectors_seen`).
		WithArgs("sess-1", []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SetSessionVectors(context.Background(), "sess-1", nil); err != nil {
		t.Fatalf("SetSessionVectors: %v", err)
	}
}
