package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/morozovadk/taskflow-sessions/internal/cache"
	"github.com/morozovadk/taskflow-sessions/internal/models"
	"github.com/morozovadk/taskflow-sessions/internal/storage"
	"github.com/morozovadk/taskflow-sessions/pkg/log"
)

// tokenTypeAccess — дискриминатор типа в claims access-токена.
// Refresh-токены не несут claims вовсе, но фиксированный тип исключает
// использование чужого JWT с совпадающей подписью в роли access-токена.
const tokenTypeAccess = "access"

// refreshSecretLen — длина случайного секрета refresh-токена в байтах.
const refreshSecretLen = 64

type accessClaims struct {
	UserID    string `json:"uid"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// generateAccessToken генерирует access-токен.
func (s *Service) generateAccessToken(ctx context.Context, userID uuid.UUID, now time.Time) (string, error) {
	const op = "service.token.generateAccessToken"

	lg := log.From(ctx)

	claims := accessClaims{
		UserID:    userID.String(),
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings(s.cfg.Audience),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		lg.Error("access_token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// validateAccessToken валидирует access-токен.
func (s *Service) validateAccessToken(tokenStr string) (uuid.UUID, error) {
	const op = "service.token.validateAccessToken"

	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return []byte(s.cfg.JWTSecret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience...),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}

		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if claims.TokenType != tokenTypeAccess {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	uid, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return uid, nil
}

// ValidateAccessToken проверяет access-токен и возвращает ID пользователя.
func (s *Service) ValidateAccessToken(accessToken string) (uuid.UUID, error) {
	const op = "service.token.ValidateAccessToken"

	uid, err := s.validateAccessToken(accessToken)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	return uid, nil
}

// newRefreshSecret возвращает сырой refresh-токен: 64 случайных байта,
// hex-кодированных. Значение не несёт claims; личность устанавливается
// только по сохранённому на сервере хэшу.
func newRefreshSecret() (string, error) {
	b := make([]byte, refreshSecretLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// lookupHashOf возвращает детерминированный несекретный lookup-ключ:
// base64url(sha256(plain)). Ключ позволяет найти строку по индексу,
// не храня сырое значение в открытом виде.
func lookupHashOf(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// hashRefreshToken вычисляет bcrypt-хэш refresh-токена для хранения.
// bcrypt ограничен 72 байтами входа, поэтому хэшируется sha256-дайджест
// сырого значения (base64, 43 символа), а не сам hex-секрет.
func hashRefreshToken(plain string) (string, error) {
	digest := sha256.Sum256([]byte(plain))
	material := base64.RawStdEncoding.EncodeToString(digest[:])

	bytes, err := bcrypt.GenerateFromPassword([]byte(material), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(bytes), nil
}

// verifyRefreshTokenHash сравнивает сырой refresh-токен с bcrypt-хэшем.
func verifyRefreshTokenHash(plain, hash string) bool {
	digest := sha256.Sum256([]byte(plain))
	material := base64.RawStdEncoding.EncodeToString(digest[:])

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(material)) == nil
}

// generateRefreshToken создает и сохраняет новый refresh-токен, возвращая
// сырое значение.
func (s *Service) generateRefreshToken(ctx context.Context, userID uuid.UUID) (string, error) {
	const (
		op          = "service.token.generateRefreshToken"
		maxAttempts = 5
	)

	lg := log.From(ctx)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		plain, err := newRefreshSecret()
		if err != nil {
			lg.Error("refresh_rand_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return "", fmt.Errorf("%s: %w", op, err)
		}

		hash, err := hashRefreshToken(plain)
		if err != nil {
			lg.Error("refresh_hash_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return "", fmt.Errorf("%s: %w", op, err)
		}

		now := time.Now().UTC()
		token := &models.RefreshToken{
			ID:         uuid.New(),
			UserID:     userID,
			TokenHash:  hash,
			LookupHash: lookupHashOf(plain),
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.RefreshTokenTTL),
			Revoked:    false,
		}

		if err := s.storage.SaveRefreshToken(ctx, token); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Редкая коллизия lookup-ключа — пробуем сгенерировать заново.
				continue
			}

			lg.Error("save_refresh_token_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return "", fmt.Errorf("%s: %w", op, err)
		}

		if s.rcache != nil {
			entry := &cache.RefreshEntry{
				UserID:    token.UserID,
				Revoked:   false,
				ExpiresAt: token.ExpiresAt,
			}
			if err := s.rcache.Set(ctx, token.LookupHash, entry, s.cfg.RefreshTokenTTL); err != nil {
				lg.Warn("refresh_cache_set_failed",
					slog.String("op", op),
					slog.String("err", err.Error()),
				)
			}
		}

		return plain, nil
	}

	lg.Error("refresh_collision_exceeded",
		slog.String("op", op),
	)

	return "", fmt.Errorf("%s: %w", op, ErrRefreshTokenCollision)
}
