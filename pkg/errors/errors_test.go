package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestMetadataForWebhookCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
	}{
		{code: CodeInvalidSignature, status: http.StatusBadRequest},
		{code: CodeValidation, status: http.StatusBadRequest},
		{code: CodeStoreTransaction, status: http.StatusInternalServerError, retryable: true},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity},
		{code: CodeDependency, status: http.StatusServiceUnavailable, retryable: true},
		{code: CodeConflict, status: http.StatusConflict, retryable: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
	}

	if MetadataFor("SOMETHING_UNKNOWN").HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("unknown codes must map to internal")
	}
}

func TestPublicMessageHidesStoreFailures(t *testing.T) {
	store := Wrap(CodeStoreTransaction, stdErrors.New("connection reset by peer"), "insert processed event")
	if got := store.PublicMessage(); got != "internal server error" {
		t.Fatalf("store failure leaked %q", got)
	}
	sig := New(CodeInvalidSignature, "timestamp outside tolerance")
	if got := sig.PublicMessage(); got != "timestamp outside tolerance" {
		t.Fatalf("signature message should be exposed, got %q", got)
	}
	if got := New(CodeNotFound, "").PublicMessage(); got != "resource not found" {
		t.Fatalf("empty message should fall back, got %q", got)
	}
}

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "version mismatch")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Error() != "CONFLICT: version mismatch: boom" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
	if Wrap(CodeValidation, nil, "x").Unwrap() != nil {
		t.Fatalf("nil cause should not be wrapped")
	}
	details := Newf(CodeValidation, "limit %d too large", 500).WithDetails(map[string]any{"field": "limit"})
	if details.Message() != "limit 500 too large" || details.Details() == nil {
		t.Fatalf("unexpected error %+v", details)
	}
}

func TestIsCodeStatusOfAndRetryable(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeInvalidSignature, "bad sig"))
	if !IsCode(err, CodeInvalidSignature) || IsCode(err, CodeValidation) {
		t.Fatalf("IsCode mismatch")
	}
	if IsCode(stdErrors.New("plain"), CodeInternal) {
		t.Fatalf("plain errors carry no code")
	}
	if StatusOf(err) != http.StatusBadRequest || Retryable(err) {
		t.Fatalf("signature failures must be final 400s")
	}
	plain := stdErrors.New("disk full")
	if StatusOf(plain) != http.StatusInternalServerError || !Retryable(plain) {
		t.Fatalf("untyped errors must be retryable 500s")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestLogFieldsExtractsPostgresDetails(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:           "23505",
		ConstraintName: "ux_processed_events_external_id",
		TableName:      "processed_events",
	}
	fields := LogFields(Wrap(CodeStoreTransaction, pgErr, "claim event"))
	if fields["error_code"] != string(CodeStoreTransaction) {
		t.Fatalf("unexpected code %v", fields["error_code"])
	}
	if fields["pg_code"] != "23505" || fields["pg_constraint"] != "ux_processed_events_external_id" {
		t.Fatalf("unexpected pg details %+v", fields)
	}
	if _, ok := fields["pg_detail"]; ok {
		t.Fatalf("empty pg fields should be omitted")
	}
	if chain, ok := fields["error_chain"].([]string); !ok || len(chain) != 2 {
		t.Fatalf("expected two-link chain, got %v", fields["error_chain"])
	}

	pqFields := LogFields(fmt.Errorf("insert: %w", &pq.Error{Code: "40001", Table: "subscriptions"}))
	if pqFields["pg_code"] != "40001" || pqFields["pg_table"] != "subscriptions" {
		t.Fatalf("unexpected pq details %+v", pqFields)
	}
	if _, ok := pqFields["error_code"]; ok {
		t.Fatalf("untyped errors carry no code")
	}
	if len(LogFields(nil)) != 0 {
		t.Fatalf("nil error should produce no fields")
	}
}
