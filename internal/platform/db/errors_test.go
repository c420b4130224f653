package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert detail order: %w", &pgconn.PgError{
		Code:           CodeUniqueViolation,
		ConstraintName: "detail_order_accession_number_key",
	})
	if !IsUniqueViolation(err) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if got := ConstraintName(err); got != "detail_order_accession_number_key" {
		t.Errorf("expected constraint name, got %q", got)
	}
	if IsForeignKeyViolation(err) {
		t.Error("unique violation must not be reported as foreign key violation")
	}
}

func TestIsUniqueViolation_OtherErrors(t *testing.T) {
	if IsUniqueViolation(errors.New("boom")) {
		t.Error("plain error is not a unique violation")
	}
	if IsUniqueViolation(nil) {
		t.Error("nil is not a unique violation")
	}
	if ConstraintName(errors.New("boom")) != "" {
		t.Error("expected empty constraint name for non-pg error")
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("get order: %w", pgx.ErrNoRows)) {
		t.Error("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(errors.New("other")) {
		t.Error("unexpected match")
	}
}

func TestConnFromContext_NoTx(t *testing.T) {
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil querier outside a transaction")
	}
}
