package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

func newTraceRepoWithMock(t *testing.T) (*TraceRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewTraceRepository(db), mock, func() { _ = db.Close() }
}

func sampleTrace() domain.TraceRecord {
	started := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	return domain.TraceRecord{
		ID:           "t-1",
		RequestID:    "req-1",
		Kind:         domain.WorkflowAnswer,
		Status:       domain.AnswerRejected,
		RejectReason: domain.RejectInsufficientEvidence,
		RerankStatus: domain.RerankDisabled,
		States:       []domain.WorkflowState{domain.StateRetrieving, domain.StateFusing, domain.StateRejected},
		StartedAt:    started,
		FinishedAt:   started.Add(250 * time.Millisecond),
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	repo, mock, done := newTraceRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(traceSchemaLock).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS retrieval_traces").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureSchemaRollsBackOnDDLFailure(t *testing.T) {
	repo, mock, done := newTraceRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	if err := repo.EnsureSchema(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordInsertsWriteOnce(t *testing.T) {
	repo, mock, done := newTraceRepoWithMock(t)
	defer done()

	trace := sampleTrace()
	mock.ExpectExec("ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs("t-1", "req-1", "answer", "rejected", "insufficient_evidence", false, "disabled", 0, int64(250),
			sqlmock.AnyArg(), trace.StartedAt, trace.FinishedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Record(context.Background(), trace); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordRejectsEmptyID(t *testing.T) {
	repo, _, done := newTraceRepoWithMock(t)
	defer done()

	if err := repo.Record(context.Background(), domain.TraceRecord{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestGetByIDReturnsNotFound(t *testing.T) {
	repo, mock, done := newTraceRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT record FROM retrieval_traces").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected ErrTraceNotFound, got %v", err)
	}
}

func TestGetByIDDecodesRecord(t *testing.T) {
	repo, mock, done := newTraceRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT record FROM retrieval_traces").
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow([]byte(`{"id":"t-1","kind":"retrieve","status":"final","states":["retrieving","fusing","finalized"]}`)))

	trace, err := repo.GetByID(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if trace.Kind != domain.WorkflowRetrieve || len(trace.States) != 3 {
		t.Fatalf("unexpected trace: %+v", trace)
	}
}
