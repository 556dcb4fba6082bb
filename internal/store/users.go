package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = `id, username, password, role, zone, is_approved, points, admin_points_pool, created_at, updated_at`

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, password, role, zone, is_approved, points, admin_points_pool)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, user.ID, user.Username, user.PasswordHash, string(user.Role), nullString(user.Zone),
		user.IsApproved, user.Points, user.AdminPointsPool,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrUsernameTaken
		}
		return User{}, AsRemote("create user", err)
	}
	return user, nil
}

// GetUserByUsername matches usernames case-insensitively.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, username)
	return scanUserRow(row, "get user by username")
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUserRow(row, "get user")
}

func (s *PostgresStore) ListPendingRSOs(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE role = 'rso' AND NOT is_approved ORDER BY created_at`)
	if err != nil {
		return nil, AsRemote("list pending rsos", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, AsRemote("scan user", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, AsRemote("list pending rsos", err)
	}
	return users, nil
}

// ApproveRSO flips is_approved exactly once.
func (s *PostgresStore) ApproveRSO(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users SET is_approved = TRUE, updated_at = NOW()
		WHERE id = $1 AND role = 'rso' AND NOT is_approved
		RETURNING `+userColumns, id)
	user, err := scanUserRow(row, "approve rso")
	if !errors.Is(err, ErrNotFound) {
		return user, err
	}

	existing, lookupErr := s.GetUserByID(ctx, id)
	if lookupErr != nil {
		return User{}, lookupErr
	}
	if existing.Role != RoleRSO {
		return User{}, fmt.Errorf("user %s is not an rso: %w", id, ErrNotFound)
	}
	return User{}, ErrAlreadyApproved
}

type PointsKind string

const (
	PointsForReport PointsKind = "report"
	PointsForRepair PointsKind = "repair"
)

func (k PointsKind) column() (string, error) {
	switch k {
	case PointsForReport:
		return "report_approved_for_points", nil
	case PointsForRepair:
		return "repair_approved_for_points", nil
	default:
		return "", fmt.Errorf("unknown points kind %q", k)
	}
}

type Award struct {
	Kind          PointsKind
	ReportID      string
	AdminID       string
	BeneficiaryID string
	Amount        int
}

// AwardPoints sets the report's one-way approval flag, debits the admin pool
// only if it still covers the amount, and credits the beneficiary, all in
// one transaction. It returns the report's new updated_at.
func (s *PostgresStore) AwardPoints(ctx context.Context, award Award) (time.Time, error) {
	column, err := award.Kind.column()
	if err != nil {
		return time.Time{}, err
	}
	if award.Amount <= 0 {
		return time.Time{}, fmt.Errorf("award amount must be positive, got %d", award.Amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, AsRemote("begin award", err)
	}
	defer func() { _ = tx.Rollback() }()

	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE reports SET `+column+` = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT `+column+`
		RETURNING updated_at
	`, award.ReportID).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrAlreadyAwarded
	}
	if err != nil {
		return time.Time{}, AsRemote("flag report points", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE users SET admin_points_pool = admin_points_pool - $2, updated_at = NOW()
		WHERE id = $1 AND role = 'admin' AND admin_points_pool >= $2
	`, award.AdminID, award.Amount)
	if err != nil {
		return time.Time{}, AsRemote("debit admin pool", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return time.Time{}, AsRemote("debit admin pool", err)
	} else if n == 0 {
		return time.Time{}, ErrInsufficientPool
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE users SET points = points + $2, updated_at = NOW()
		WHERE id = $1
	`, award.BeneficiaryID, award.Amount)
	if err != nil {
		return time.Time{}, AsRemote("credit beneficiary", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return time.Time{}, AsRemote("credit beneficiary", err)
	} else if n == 0 {
		return time.Time{}, ErrBeneficiaryAbsent
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, AsRemote("commit award", err)
	}
	return updatedAt, nil
}

func scanUserRow(row *sql.Row, op string) (User, error) {
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, AsRemote(op, err)
	}
	return user, nil
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var role string
	var zone sql.NullString
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&role,
		&zone,
		&user.IsApproved,
		&user.Points,
		&user.AdminPointsPool,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	user.Role = Role(role)
	user.Zone = zone.String
	return user, nil
}
