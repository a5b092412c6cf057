package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/morozovadk/taskflow-sessions/internal/models"
	"github.com/morozovadk/taskflow-sessions/internal/storage"
)

// SaveRefreshToken сохраняет новый refresh-токен в БД.
func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	query := `
        INSERT INTO refresh_tokens(id, user_id, token_hash, lookup_hash, created_at, expires_at, revoked)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `

	_, err := s.db.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.LookupHash,
		token.CreatedAt,
		token.ExpiresAt,
		token.Revoked,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshTokenByLookup находит refresh-токен по lookup-ключу.
// Флаги revoked/expires_at не фильтруются: их интерпретирует сервисный слой
// (в т.ч. для детекции повторного предъявления ротированного токена).
func (s *Storage) RefreshTokenByLookup(ctx context.Context, lookupHash string) (*models.RefreshToken, error) {
	const op = "storage.postgres.RefreshTokenByLookup"

	query := `
        SELECT id, user_id, token_hash, lookup_hash, created_at, expires_at, revoked
        FROM refresh_tokens
        WHERE lookup_hash = $1
    `

	var token models.RefreshToken
	err := s.db.QueryRow(ctx, query, lookupHash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.LookupHash,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.Revoked,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &token, nil
}

// RevokeRefreshTokenIfActive пытается отозвать refresh-токен, если он ещё не был отозван.
// Условие revoked = FALSE в UPDATE закрывает гонку двух конкурентных refresh
// с одним и тем же токеном: второй наблюдает результат первого.
//
// Возвращает:
//
//	(true, nil)  — токен был активен и успешно отозван сейчас;
//	(false, nil) — токен существует, но уже был отозван;
//	(false, ErrNotFound) — токен не найден.
func (s *Storage) RevokeRefreshTokenIfActive(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "storage.postgres.RevokeRefreshTokenIfActive"

	const upd = `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE id = $1 AND revoked = FALSE
		RETURNING user_id
	`

	var userID uuid.UUID
	err := s.db.QueryRow(ctx, upd, id).Scan(&userID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	const sel = `
		SELECT revoked
		FROM refresh_tokens
		WHERE id = $1
	`

	var revoked bool
	err = s.db.QueryRow(ctx, sel, id).Scan(&revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return false, fmt.Errorf("%s: %w", op, err)
	}

	return false, nil
}

// CountActiveRefreshTokens возвращает число активных (не отозванных и
// не просроченных) refresh-токенов пользователя.
func (s *Storage) CountActiveRefreshTokens(ctx context.Context, userID uuid.UUID) (int, error) {
	const op = "storage.postgres.CountActiveRefreshTokens"

	query := `
        SELECT COUNT(*)
        FROM refresh_tokens
        WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
    `

	var count int
	if err := s.db.QueryRow(ctx, query, userID, time.Now().UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return count, nil
}

// DeleteExpiredAndRevoked удаляет отозванные токены пользователя и токены,
// просроченные раньше before. Вызывающая сторона передаёт before = now-grace,
// чтобы не удалить токен под медленным refresh-запросом.
func (s *Storage) DeleteExpiredAndRevoked(ctx context.Context, userID uuid.UUID, before time.Time) error {
	const op = "storage.postgres.DeleteExpiredAndRevoked"

	query := `
        DELETE FROM refresh_tokens
        WHERE user_id = $1 AND (revoked = TRUE OR expires_at <= $2)
    `

	_, err := s.db.Exec(ctx, query, userID, before)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// DeleteOldestExcess удаляет самые старые активные токены пользователя
// сверх лимита keep.
func (s *Storage) DeleteOldestExcess(ctx context.Context, userID uuid.UUID, keep int) error {
	const op = "storage.postgres.DeleteOldestExcess"

	if keep < 0 {
		keep = 0
	}

	// Оставляем keep самых свежих активных строк, остальные удаляем.
	query := `
        DELETE FROM refresh_tokens
        WHERE user_id = $1
          AND revoked = FALSE
          AND expires_at > $2
          AND id NOT IN (
              SELECT id
              FROM refresh_tokens
              WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
              ORDER BY created_at DESC
              LIMIT $3
          )
    `

	_, err := s.db.Exec(ctx, query, userID, time.Now().UTC(), keep)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ExtendRefreshToken продлевает срок действия активного токена без ротации значения.
func (s *Storage) ExtendRefreshToken(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	const op = "storage.postgres.ExtendRefreshToken"

	query := `
        UPDATE refresh_tokens
        SET expires_at = $2
        WHERE id = $1 AND revoked = FALSE
    `

	cmdTag, err := s.db.Exec(ctx, query, id, expiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// DeleteRefreshToken удаляет строку токена.
func (s *Storage) DeleteRefreshToken(ctx context.Context, id uuid.UUID) error {
	const op = "storage.postgres.DeleteRefreshToken"

	query := `
        DELETE FROM refresh_tokens
        WHERE id = $1
    `

	_, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// DeleteExpiredTokens удаляет все токены, просроченные раньше before.
func (s *Storage) DeleteExpiredTokens(ctx context.Context, before time.Time) error {
	const op = "storage.postgres.DeleteExpiredTokens"

	query := `
        DELETE FROM refresh_tokens
        WHERE expires_at <= $1
    `

	_, err := s.db.Exec(ctx, query, before)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
