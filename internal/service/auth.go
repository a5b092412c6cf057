package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/morozovadk/taskflow-sessions/internal/cache"
	"github.com/morozovadk/taskflow-sessions/internal/models"
	"github.com/morozovadk/taskflow-sessions/internal/storage"
	"github.com/morozovadk/taskflow-sessions/pkg/log"
)

// Login выполняет вход по email+пароль и открывает новую сессию.
//
// Политика лимита: если у пользователя уже MaxSessionsPerUser активных
// refresh-токенов, вход отклоняется с ErrTooManySessions — старые сессии
// при login не вытесняются.
func (s *Service) Login(ctx context.Context, email, password string) (*models.Session, error) {
	const op = "service.auth.Login"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil {
		s.metrics.IncLoginFailure()
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if len(password) == 0 {
		s.metrics.IncLoginFailure()
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	user, err := s.storage.ActiveUserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.IncLoginFailure()
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !checkPassword(user.PasswordHash, password) {
		lg.Warn("login_wrong_password",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		s.metrics.IncLoginFailure()
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	count, err := s.storage.CountActiveRefreshTokens(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if count >= s.cfg.MaxSessionsPerUser {
		lg.Warn("login_session_limit",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
			slog.Int("active_sessions", count),
		)
		s.metrics.IncLoginFailure()
		return nil, fmt.Errorf("%s: %w", op, ErrTooManySessions)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.cleanupUserTokens(ctx, user.ID)

	lg.Info("login_success",
		slog.String("op", op),
		slog.String("user_id", user.ID.String()),
	)
	s.metrics.IncLoginSuccess()

	return session, nil
}

// Refresh ротирует refresh-токен и выпускает новую пару токенов.
//
// Пустой токен означает отсутствие сессии у клиента — это не ошибка,
// возвращается (nil, nil), транспорт отвечает "не аутентифицирован".
// Предъявление уже отозванного токена трактуется как replay: событие
// логируется и считается, токен отклоняется.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	const op = "service.auth.Refresh"

	if refreshToken == "" {
		return nil, nil
	}

	lg := log.From(ctx)
	lookup := lookupHashOf(refreshToken)

	// Fast-path по кэшу: отозванный токен отклоняется без похода в БД.
	if s.rcache != nil {
		entry, found, err := s.rcache.Get(ctx, lookup)
		if err != nil {
			lg.Warn("refresh_cache_get_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		} else if found && entry.Revoked {
			lg.Warn("refresh_replay_detected",
				slog.String("op", op),
				slog.String("user_id", entry.UserID.String()),
			)
			s.metrics.IncReplayDetected()
			s.metrics.IncRefreshFailure()
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
	}

	token, err := s.findRefreshToken(ctx, refreshToken, lookup)
	if err != nil {
		s.metrics.IncRefreshFailure()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.Revoked {
		lg.Warn("refresh_replay_detected",
			slog.String("op", op),
			slog.String("user_id", token.UserID.String()),
		)
		s.metrics.IncReplayDetected()
		s.metrics.IncRefreshFailure()
		s.markRevokedInCache(ctx, lookup)
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	now := time.Now().UTC()
	if now.After(token.ExpiresAt) {
		s.metrics.IncRefreshFailure()
		return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
	}

	revoked, err := s.storage.RevokeRefreshTokenIfActive(ctx, token.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.IncRefreshFailure()
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !revoked {
		// Конкурентный refresh тем же токеном: другая горутина успела
		// отозвать его первой. Проигравший запрос получает отказ.
		lg.Warn("refresh_rotation_race_lost",
			slog.String("op", op),
			slog.String("user_id", token.UserID.String()),
		)
		s.metrics.IncRefreshFailure()
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	s.markRevokedInCache(ctx, lookup)

	user, err := s.storage.UserByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.IncRefreshFailure()
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if user.IsDeleted {
		s.metrics.IncRefreshFailure()
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.cleanupUserTokens(ctx, user.ID)

	lg.Info("refresh_success",
		slog.String("op", op),
		slog.String("user_id", user.ID.String()),
	)
	s.metrics.IncRefreshSuccess()

	return session, nil
}

// RenewSession продлевает срок жизни refresh-токена без ротации.
// Используется планировщиком клиента для скользящего окна активности.
// Пустой токен — не ошибка: возвращается (nil, nil).
func (s *Service) RenewSession(ctx context.Context, refreshToken string) (*models.Account, error) {
	const op = "service.auth.RenewSession"

	if refreshToken == "" {
		return nil, nil
	}

	lg := log.From(ctx)
	lookup := lookupHashOf(refreshToken)

	token, err := s.findRefreshToken(ctx, refreshToken, lookup)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.Revoked {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	now := time.Now().UTC()
	if now.After(token.ExpiresAt) {
		return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
	}

	newExpiry := now.Add(s.cfg.RefreshTokenTTL)
	if err := s.storage.ExtendRefreshToken(ctx, token.ID, newExpiry); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.storage.UserByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if user.IsDeleted {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if s.rcache != nil {
		entry := &cache.RefreshEntry{
			UserID:    token.UserID,
			Revoked:   false,
			ExpiresAt: newExpiry,
		}
		if err := s.rcache.Set(ctx, lookup, entry, s.cfg.RefreshTokenTTL); err != nil {
			lg.Warn("refresh_cache_set_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		}
	}

	account := models.AccountOf(user)
	s.metrics.IncRenewSuccess()

	return &account, nil
}

// Logout завершает сессию по refresh-токену.
//
// Операция всегда успешна с точки зрения клиента: неизвестный, чужой или
// уже удалённый токен не отличим от успешного выхода. Ошибки хранилища
// только логируются.
func (s *Service) Logout(ctx context.Context, refreshToken string) {
	const op = "service.auth.Logout"

	lg := log.From(ctx)
	s.metrics.IncLogout()

	if refreshToken == "" {
		return
	}

	lookup := lookupHashOf(refreshToken)

	token, err := s.findRefreshToken(ctx, refreshToken, lookup)
	if err != nil {
		lg.Debug("logout_token_not_found",
			slog.String("op", op),
		)
		return
	}

	if err := s.storage.DeleteRefreshToken(ctx, token.ID); err != nil {
		lg.Warn("logout_delete_failed",
			slog.String("op", op),
			slog.String("user_id", token.UserID.String()),
			slog.String("err", err.Error()),
		)
		return
	}

	s.markRevokedInCache(ctx, lookup)

	lg.Info("logout_success",
		slog.String("op", op),
		slog.String("user_id", token.UserID.String()),
	)
}

// findRefreshToken находит строку токена по lookup-ключу и сверяет
// предъявленное значение с bcrypt-хэшем. Несовпадение хэша при найденной
// строке означает подделку lookup-ключа и трактуется как ErrInvalidToken.
func (s *Service) findRefreshToken(ctx context.Context, plain, lookup string) (*models.RefreshToken, error) {
	const op = "service.auth.findRefreshToken"

	token, err := s.storage.RefreshTokenByLookup(ctx, lookup)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !verifyRefreshTokenHash(plain, token.TokenHash) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return token, nil
}

// issueSession выпускает пару access+refresh для пользователя.
func (s *Service) issueSession(ctx context.Context, user *models.User) (*models.Session, error) {
	const op = "service.auth.issueSession"

	now := time.Now().UTC()

	accessToken, err := s.generateAccessToken(ctx, user.ID, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, err := s.generateRefreshToken(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.Session{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		Account:         models.AccountOf(user),
	}, nil
}

// cleanupUserTokens удаляет мусор пользователя: просроченные (с учётом
// grace-буфера) и отозванные токены, затем избыток сверх лимита сессий.
// Ошибки не прерывают основную операцию.
func (s *Service) cleanupUserTokens(ctx context.Context, userID uuid.UUID) {
	const op = "service.auth.cleanupUserTokens"

	lg := log.From(ctx)
	before := time.Now().UTC().Add(-s.cfg.CleanupGrace)

	if err := s.storage.DeleteExpiredAndRevoked(ctx, userID, before); err != nil {
		lg.Warn("cleanup_expired_failed",
			slog.String("op", op),
			slog.String("user_id", userID.String()),
			slog.String("err", err.Error()),
		)
	}

	if err := s.storage.DeleteOldestExcess(ctx, userID, s.cfg.MaxSessionsPerUser); err != nil {
		lg.Warn("cleanup_excess_failed",
			slog.String("op", op),
			slog.String("user_id", userID.String()),
			slog.String("err", err.Error()),
		)
	}
}

// markRevokedInCache помечает токен отозванным в кэше (best-effort).
func (s *Service) markRevokedInCache(ctx context.Context, lookup string) {
	if s.rcache == nil {
		return
	}

	if err := s.rcache.MarkRevoked(ctx, lookup); err != nil {
		log.From(ctx).Warn("refresh_cache_revoke_failed",
			slog.String("err", err.Error()),
		)
	}
}

// checkPassword сравнивает пароль с хэшем.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// validateEmail проверяет базовый формат email и обрезает пробелы снаружи.
func validateEmail(raw string) (string, error) {
	const op = "service.auth.validateEmail"

	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	return strings.ToLower(email), nil
}
