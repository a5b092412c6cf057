package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/morozovadk/taskflow-sessions/internal/models"
)

var (
	// ErrNotFound — запись не найдена (пользователь/токен).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — нарушение уникальности (lookup-ключ refresh-токена).
	ErrAlreadyExists = errors.New("already exists")
)

// UserStorage выполняет операции чтения пользователей.
// Записью пользователей владеет подсистема управления аккаунтами.
type UserStorage interface {
	// ActiveUserByEmail находит неудалённого пользователя по нормализованному email.
	ActiveUserByEmail(ctx context.Context, email string) (*models.User, error)
	// UserByID находит пользователя по ID.
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// RefreshTokenStorage выполняет операции над refresh-токенами.
type RefreshTokenStorage interface {
	// SaveRefreshToken сохраняет новый refresh-токен в БД.
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	// RefreshTokenByLookup находит refresh-токен по lookup-ключу.
	// Возвращает строку независимо от revoked/expires_at: решение о
	// пригодности токена принимает сервисный слой.
	RefreshTokenByLookup(ctx context.Context, lookupHash string) (*models.RefreshToken, error)
	// RevokeRefreshTokenIfActive пытается атомарно отозвать токен, если он
	// ещё не был отозван. Возвращает:
	//   (true, nil)  — токен был активен и отозван сейчас;
	//   (false, nil) — токен существует, но уже был отозван;
	//   (false, ErrNotFound) — токен не найден.
	RevokeRefreshTokenIfActive(ctx context.Context, id uuid.UUID) (bool, error)
	// CountActiveRefreshTokens возвращает число активных (не отозванных и
	// не просроченных) токенов пользователя.
	CountActiveRefreshTokens(ctx context.Context, userID uuid.UUID) (int, error)
	// DeleteExpiredAndRevoked удаляет отозванные токены пользователя и
	// токены, просроченные раньше момента before.
	DeleteExpiredAndRevoked(ctx context.Context, userID uuid.UUID, before time.Time) error
	// DeleteOldestExcess удаляет самые старые активные токены пользователя
	// сверх лимита keep (порядок — created_at ASC).
	DeleteOldestExcess(ctx context.Context, userID uuid.UUID, keep int) error
	// ExtendRefreshToken продлевает срок действия токена без ротации значения.
	ExtendRefreshToken(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	// DeleteRefreshToken удаляет строку токена (logout).
	DeleteRefreshToken(ctx context.Context, id uuid.UUID) error
	// DeleteExpiredTokens удаляет все токены, просроченные раньше момента before
	// (независимо от пользователя; используется фоновой очисткой).
	DeleteExpiredTokens(ctx context.Context, before time.Time) error
}

// Storage задает контракт работы с БД.
type Storage interface {
	UserStorage
	RefreshTokenStorage
	Close()
}
