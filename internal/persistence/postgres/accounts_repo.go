package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

// accountsRepo implements AccountsRepo for PostgreSQL.
type accountsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAccountsRepo creates a PostgreSQL accounts repository.
func NewAccountsRepo(db *sqlx.DB, timeout time.Duration) persistence.AccountsRepo {
	return &accountsRepo{db: db, timeout: timeout}
}

// Get returns an account by id.
func (r *accountsRepo) Get(ctx context.Context, accountID string) (*persistence.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var acct persistence.Account
	err := r.db.GetContext(ctx, &acct, `
		SELECT id, user_id, initial_balance, current_attempt_number,
			consecutive_blown_count, total_blown_count, updated_at
		FROM accounts WHERE id = $1`, accountID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account %s: %w", accountID, err)
	}
	return &acct, nil
}

// ActiveAttempt returns the account's single ACTIVE attempt.
func (r *accountsRepo) ActiveAttempt(ctx context.Context, accountID string) (*persistence.AccountAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var attempt persistence.AccountAttempt
	err := r.db.GetContext(ctx, &attempt, `
		SELECT id, account_id, attempt_number, status, starting_balance,
			ending_balance, blown_reason, blown_at, created_at
		FROM account_attempts
		WHERE account_id = $1 AND status = 'ACTIVE'
		ORDER BY attempt_number DESC, id DESC
		LIMIT 1`, accountID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active attempt for account %s: %w", accountID, err)
	}
	return &attempt, nil
}

// MarkAttemptBlown flips the attempt to BLOWN and bumps the account's
// blown counters in one transaction. Re-marking an already-blown attempt
// is a no-op that returns the current consecutive count.
func (r *accountsRepo) MarkAttemptBlown(ctx context.Context, attemptID, reason string, endingBalance float64, at time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin blown tx: %w", err)
	}
	defer tx.Rollback()

	var accountID string
	err = tx.QueryRowxContext(ctx, `
		UPDATE account_attempts
		SET status = 'BLOWN', ending_balance = $2, blown_reason = $3, blown_at = $4
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING account_id`, attemptID, endingBalance, reason, at).Scan(&accountID)
	if err == sql.ErrNoRows {
		// Already blown; return the current counter without incrementing.
		var count int
		err = tx.QueryRowxContext(ctx, `
			SELECT a.consecutive_blown_count FROM accounts a
			JOIN account_attempts att ON att.account_id = a.id
			WHERE att.id = $1`, attemptID).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to read blown counter for attempt %s: %w", attemptID, err)
		}
		return count, tx.Commit()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark attempt %s blown: %w", attemptID, err)
	}

	var consecutive int
	err = tx.QueryRowxContext(ctx, `
		UPDATE accounts
		SET consecutive_blown_count = consecutive_blown_count + 1,
			total_blown_count = total_blown_count + 1,
			updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_blown_count`, accountID).Scan(&consecutive)
	if err != nil {
		return 0, fmt.Errorf("failed to increment blown counters for account %s: %w", accountID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit blown tx: %w", err)
	}
	return consecutive, nil
}

// ResetForNewAttempt creates the next ACTIVE attempt and resets the
// consecutive counter.
func (r *accountsRepo) ResetForNewAttempt(ctx context.Context, accountID string, startingBalance float64) (*persistence.AccountAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reset tx: %w", err)
	}
	defer tx.Rollback()

	var nextNumber int
	err = tx.QueryRowxContext(ctx, `
		UPDATE accounts
		SET current_attempt_number = current_attempt_number + 1,
			consecutive_blown_count = 0,
			initial_balance = $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING current_attempt_number`, accountID, startingBalance).Scan(&nextNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to advance attempt number for account %s: %w", accountID, err)
	}

	attempt := persistence.AccountAttempt{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		AttemptNumber:   nextNumber,
		Status:          persistence.AttemptActive,
		StartingBalance: startingBalance,
		CreatedAt:       time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_attempts (id, account_id, attempt_number, status, starting_balance, created_at)
		VALUES ($1, $2, $3, 'ACTIVE', $4, $5)`,
		attempt.ID, attempt.AccountID, attempt.AttemptNumber, attempt.StartingBalance, attempt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt %d for account %s: %w", nextNumber, accountID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reset tx: %w", err)
	}
	return &attempt, nil
}
