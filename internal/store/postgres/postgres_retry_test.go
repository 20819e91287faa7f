package postgres

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestSaleRetryErrorClassification(t *testing.T) {
	serialization := fmt.Errorf("create sale: %w", &pgconn.PgError{Code: "40001"})
	unique := fmt.Errorf("insert reference: %w", &pgconn.PgError{Code: "23505"})
	foreignKey := fmt.Errorf("insert batch: %w", &pgconn.PgError{Code: "23503"})

	if !isSerializationFailure(serialization) {
		t.Fatalf("expected 40001 to classify as serialization failure")
	}
	if !isUniqueViolation(unique) {
		t.Fatalf("expected 23505 to classify as unique violation")
	}
	if isSerializationFailure(foreignKey) || isUniqueViolation(foreignKey) {
		t.Fatalf("expected 23503 to classify as neither retryable kind")
	}
	if isSerializationFailure(fmt.Errorf("plain error")) {
		t.Fatalf("expected non-pg error to classify as not retryable")
	}
}
