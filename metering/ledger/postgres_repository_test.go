// Copyright 2025 Rephlo
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestDeductAtomic(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT charged_from FROM credit_deductions").
		WithArgs("req-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, total_credits, used_credits").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total_credits", "used_credits"}).
			AddRow("free-1", 300, 0).
			AddRow("pro-1", 1000, 500))
	mock.ExpectExec("UPDATE credit_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE credit_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_deductions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.DeductAtomic(context.Background(), "user-1", 500, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []GrantCharge{
		{GrantID: "free-1", Amount: 300},
		{GrantID: "pro-1", Amount: 200},
	}
	if len(result.ChargedFrom) != len(want) {
		t.Fatalf("charged from %d grants, want %d", len(result.ChargedFrom), len(want))
	}
	for i, charge := range result.ChargedFrom {
		if charge != want[i] {
			t.Errorf("charge[%d] = %+v, want %+v", i, charge, want[i])
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeductAtomicReplay(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT charged_from FROM credit_deductions").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"charged_from"}).
			AddRow([]byte(`[{"grant_id":"free-1","amount":100}]`)))
	mock.ExpectRollback()

	result, err := repo.DeductAtomic(context.Background(), "user-1", 100, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyApplied {
		t.Error("AlreadyApplied = false, want true")
	}
	if len(result.ChargedFrom) != 1 || result.ChargedFrom[0].GrantID != "free-1" {
		t.Errorf("charged from = %+v, want recorded split", result.ChargedFrom)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeductAtomicInsufficient(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT charged_from FROM credit_deductions").
		WithArgs("req-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, total_credits, used_credits").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total_credits", "used_credits"}).
			AddRow("free-1", 100, 40))
	mock.ExpectRollback()

	result, err := repo.DeductAtomic(context.Background(), "user-1", 100, "req-1")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if result == nil || result.InsufficientBy != 40 {
		t.Fatalf("result = %+v, want InsufficientBy 40", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeductAtomicGuardLossIsConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT charged_from FROM credit_deductions").
		WithArgs("req-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, total_credits, used_credits").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total_credits", "used_credits"}).
			AddRow("free-1", 100, 0))
	// The guarded update matched no rows: another writer got there first
	mock.ExpectExec("UPDATE credit_grants").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if _, err := repo.DeductAtomic(context.Background(), "user-1", 50, "req-1"); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeductAtomicDuplicateKeyRace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT charged_from FROM credit_deductions").
		WithArgs("req-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, total_credits, used_credits").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total_credits", "used_credits"}).
			AddRow("free-1", 100, 0))
	mock.ExpectExec("UPDATE credit_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_deductions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	if _, err := repo.DeductAtomic(context.Background(), "user-1", 50, "req-1"); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeductAtomicSerializationFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT charged_from FROM credit_deductions").
		WithArgs("req-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, total_credits, used_credits").
		WithArgs("user-1").
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	if _, err := repo.DeductAtomic(context.Background(), "user-1", 50, "req-1"); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
	}
}

func TestReplaceCurrentFreeGrant(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	now := time.Now().UTC()
	start := now
	end := now.AddDate(0, 1, 0)
	grant := &CreditGrant{
		ID:                 "grant-2",
		UserID:             "user-1",
		CreditType:         CreditTypeFree,
		TotalCredits:       2000,
		BillingPeriodStart: &start,
		BillingPeriodEnd:   &end,
		IsCurrent:          true,
		MonthlyAllocation:  2000,
		ResetDayOfMonth:    start.Day(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE credit_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.ReplaceCurrentFreeGrant(context.Background(), grant); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRevokeProGrantRepo(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectQuery("SELECT credit_type FROM credit_grants").
		WithArgs("pro-1").
		WillReturnRows(sqlmock.NewRows([]string{"credit_type"}).AddRow("pro"))
	mock.ExpectExec("UPDATE credit_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RevokeProGrant(context.Background(), "pro-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRevokeProGrantRejectsFreeGrant(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectQuery("SELECT credit_type FROM credit_grants").
		WithArgs("free-1").
		WillReturnRows(sqlmock.NewRows([]string{"credit_type"}).AddRow("free"))

	if err := repo.RevokeProGrant(context.Background(), "free-1"); !errors.Is(err, ErrNotProGrant) {
		t.Fatalf("err = %v, want ErrNotProGrant", err)
	}
}

func TestRevokeProGrantNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	mock.ExpectQuery("SELECT credit_type FROM credit_grants").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if err := repo.RevokeProGrant(context.Background(), "missing"); !errors.Is(err, ErrGrantNotFound) {
		t.Fatalf("err = %v, want ErrGrantNotFound", err)
	}
}

func TestGrantsForUserScansNullPeriods(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	now := time.Now().UTC()
	end := now.AddDate(0, 1, 0)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "credit_type", "total_credits", "used_credits",
		"billing_period_start", "billing_period_end", "is_current",
		"monthly_allocation", "reset_day_of_month", "created_at", "updated_at",
	}).
		AddRow("free-1", "user-1", "free", 2000, 500, now, end, true, 2000, 1, now, now).
		AddRow("pro-1", "user-1", "pro", 5000, 0, nil, nil, true, nil, nil, now, now)

	mock.ExpectQuery("SELECT (.+) FROM credit_grants").
		WithArgs("user-1").
		WillReturnRows(rows)

	grants, err := repo.GrantsForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("got %d grants, want 2", len(grants))
	}

	if grants[0].BillingPeriodEnd == nil {
		t.Error("free grant period end = nil, want set")
	}
	if grants[1].BillingPeriodStart != nil || grants[1].BillingPeriodEnd != nil {
		t.Error("pro grant carries billing period, want none")
	}
	if grants[1].MonthlyAllocation != 0 || grants[1].ResetDayOfMonth != 0 {
		t.Error("pro grant carries allocation fields, want zero")
	}
}

func TestGrantHistoryPagination(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM credit_grants").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("SELECT (.+) FROM credit_grants").
		WithArgs("user-1", 2, 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "credit_type", "total_credits", "used_credits",
			"billing_period_start", "billing_period_end", "is_current",
			"monthly_allocation", "reset_day_of_month", "created_at", "updated_at",
		}).
			AddRow("g-3", "user-1", "pro", 1000, 0, nil, nil, true, nil, nil, now, now).
			AddRow("g-4", "user-1", "pro", 1000, 0, nil, nil, false, nil, nil, now, now))

	grants, total, err := repo.GrantHistory(context.Background(), "user-1", 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 7 {
		t.Errorf("total = %d, want 7", total)
	}
	if len(grants) != 2 {
		t.Errorf("got %d grants, want 2", len(grants))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
