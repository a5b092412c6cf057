package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/morozovadk/taskflow-sessions/internal/config"
	"github.com/morozovadk/taskflow-sessions/internal/storage"
	"github.com/morozovadk/taskflow-sessions/mocks"
)

func testCfg() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:          "unit-secret",
		AccessTokenTTL:     90 * time.Second,
		RefreshTokenTTL:    24 * time.Hour,
		Issuer:             "sessions-service",
		Audience:           []string{"taskflow-web"},
		MaxSessionsPerUser: 3,
		CleanupGrace:       time.Minute,
	}
}

func newSvc(t *testing.T) (*Service, *mocks.MockStorage, *gomock.Controller) {
	t.Helper()
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStorage(ctrl)
	svc := New(st, testCfg())
	return svc, st, ctrl
}

func TestAccessToken_RoundTrip(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	token, err := svc.generateAccessToken(context.Background(), uid, time.Now().UTC())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := svc.validateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, uid, got)
}

func TestAccessToken_Expired(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Выпускаем токен в прошлом глубже TTL и leeway.
	issuedAt := time.Now().UTC().Add(-svc.cfg.AccessTokenTTL - time.Minute)
	token, err := svc.generateAccessToken(context.Background(), uuid.New(), issuedAt)
	require.NoError(t, err)

	_, err = svc.validateAccessToken(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestAccessToken_WrongSecret(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	token, err := svc.generateAccessToken(context.Background(), uuid.New(), time.Now().UTC())
	require.NoError(t, err)

	otherCfg := testCfg()
	otherCfg.JWTSecret = "another-secret"
	other := New(nil, otherCfg)

	_, err = other.validateAccessToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessToken_WrongIssuer(t *testing.T) {
	t.Parallel()

	issuerCfg := testCfg()
	issuerCfg.Issuer = "someone-else"
	issuer := New(nil, issuerCfg)

	token, err := issuer.generateAccessToken(context.Background(), uuid.New(), time.Now().UTC())
	require.NoError(t, err)

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, err = svc.validateAccessToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessToken_RejectsNoneAlg(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	claims := accessClaims{
		UserID:    uuid.New().String(),
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    svc.cfg.Issuer,
			Audience:  jwt.ClaimStrings(svc.cfg.Audience),
		},
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.validateAccessToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessToken_WrongTokenType(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	claims := accessClaims{
		UserID:    uuid.New().String(),
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    svc.cfg.Issuer,
			Audience:  jwt.ClaimStrings(svc.cfg.Audience),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(svc.cfg.JWTSecret))
	require.NoError(t, err)

	_, err = svc.validateAccessToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessToken_Garbage(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, err := svc.validateAccessToken("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewRefreshSecret_Unique(t *testing.T) {
	t.Parallel()

	a, err := newRefreshSecret()
	require.NoError(t, err)
	b, err := newRefreshSecret()
	require.NoError(t, err)

	require.Len(t, a, refreshSecretLen*2) // hex
	require.NotEqual(t, a, b)
}

func TestRefreshTokenHash_RoundTrip(t *testing.T) {
	t.Parallel()

	plain, err := newRefreshSecret()
	require.NoError(t, err)

	hash, err := hashRefreshToken(plain)
	require.NoError(t, err)

	require.True(t, verifyRefreshTokenHash(plain, hash))
	require.False(t, verifyRefreshTokenHash(plain+"x", hash))
}

func TestLookupHashOf_Deterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, lookupHashOf("abc"), lookupHashOf("abc"))
	require.NotEqual(t, lookupHashOf("abc"), lookupHashOf("abd"))
}

func TestGenerateRefreshToken_RetriesOnCollision(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()

	gomock.InOrder(
		st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(storage.ErrAlreadyExists),
		st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil),
	)

	plain, err := svc.generateRefreshToken(context.Background(), uid)
	require.NoError(t, err)
	require.NotEmpty(t, plain)
}

func TestGenerateRefreshToken_CollisionExceeded(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).
		Return(storage.ErrAlreadyExists).Times(5)

	_, err := svc.generateRefreshToken(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrRefreshTokenCollision)
}

func TestGenerateRefreshToken_StorageError(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	boom := errors.New("pg down")
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(boom)

	_, err := svc.generateRefreshToken(context.Background(), uuid.New())
	require.ErrorIs(t, err, boom)
}
