package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

const sagaColumns = `id, reference, sale_id, status, step, attempts, last_error, next_attempt_at, created_at, updated_at`

func scanSaga(row rowScanner) (domain.SaleSaga, error) {
	var saga domain.SaleSaga
	var saleID sql.NullInt64
	if err := row.Scan(&saga.ID, &saga.Reference, &saleID, &saga.Status, &saga.Step, &saga.Attempts, &saga.LastError,
		nullTimeScan{&saga.NextAttemptAt}, timeScan{&saga.CreatedAt}, timeScan{&saga.UpdatedAt}); err != nil {
		return domain.SaleSaga{}, err
	}
	saga.SaleID = saleID.Int64
	return saga, nil
}

func (s *Store) CreateSaga(ctx context.Context, saga domain.SaleSaga) (*domain.SaleSaga, error) {
	if saga.Reference == "" {
		return nil, store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if saga.CreatedAt.IsZero() {
		saga.CreatedAt = now
	}
	if saga.UpdatedAt.IsZero() {
		saga.UpdatedAt = now
	}

	err := s.queryRow(ctx, `
		INSERT INTO sale_sagas (reference, sale_id, status, step, attempts, last_error, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, saga.Reference, nullableID(saga.SaleID), string(saga.Status), string(saga.Step), saga.Attempts, saga.LastError,
		s.nullTimeArg(saga.NextAttemptAt), s.timeArg(saga.CreatedAt), s.timeArg(saga.UpdatedAt)).Scan(&saga.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &saga, nil
}

func (s *Store) GetSagaByReference(ctx context.Context, reference string) (*domain.SaleSaga, error) {
	saga, err := scanSaga(s.queryRow(ctx, `SELECT `+sagaColumns+` FROM sale_sagas WHERE reference = ?`, reference))
	if err != nil {
		return nil, noRows(err)
	}
	return &saga, nil
}

func (s *Store) UpdateSaga(ctx context.Context, saga domain.SaleSaga) error {
	if saga.UpdatedAt.IsZero() {
		saga.UpdatedAt = time.Now().UTC()
	}
	res, err := s.exec(ctx, `
		UPDATE sale_sagas
		SET sale_id = ?, status = ?, step = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE reference = ?
	`, nullableID(saga.SaleID), string(saga.Status), string(saga.Step), saga.Attempts, saga.LastError,
		s.nullTimeArg(saga.NextAttemptAt), s.timeArg(saga.UpdatedAt), saga.Reference)
	if err != nil {
		return err
	}
	return notFoundIfNone(res)
}

func (s *Store) ListRetryableSagas(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]domain.SaleSaga, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM sale_sagas
		WHERE (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
			OR (status = ? AND updated_at < ?)
		ORDER BY created_at, id`
	args := []any{string(domain.SagaCompensationFailed), s.timeArg(now), string(domain.SagaPending), s.timeArg(staleBefore)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sagas := make([]domain.SaleSaga, 0, 8)
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	return sagas, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, s.timeArg(entry.CreatedAt))
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.query(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= ?
			AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?
	`, s.timeArg(from), s.timeArg(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, timeScan{&entry.CreatedAt}); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.Role == "" {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, user.Username, user.Password, user.Role, user.Active, s.timeArg(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.query(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, timeScan{&user.CreatedAt}); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.exec(ctx, `UPDATE users SET password_hash = ? WHERE username = ?`, password, username)
	if err != nil {
		return err
	}
	return notFoundIfNone(res)
}
