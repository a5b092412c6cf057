package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/morozovadk/taskflow-sessions/internal/models"
	"github.com/morozovadk/taskflow-sessions/internal/storage"
	"github.com/morozovadk/taskflow-sessions/mocks"
)

func mustHashPW(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func testUser(t *testing.T, pw string) *models.User {
	t.Helper()
	now := time.Now().UTC()
	return &models.User{
		ID:           uuid.New(),
		Email:        "user@example.com",
		PasswordHash: mustHashPW(t, pw),
		Role:         "member",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// seedRefresh возвращает сырой refresh-токен и соответствующую ему строку БД.
func seedRefresh(t *testing.T, userID uuid.UUID, expiresAt time.Time, revoked bool) (string, *models.RefreshToken) {
	t.Helper()

	plain, err := newRefreshSecret()
	require.NoError(t, err)

	hash, err := hashRefreshToken(plain)
	require.NoError(t, err)

	return plain, &models.RefreshToken{
		ID:         uuid.New(),
		UserID:     userID,
		TokenHash:  hash,
		LookupHash: lookupHashOf(plain),
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
		ExpiresAt:  expiresAt,
		Revoked:    revoked,
	}
}

func expectCleanup(st *mocks.MockStorage) {
	st.EXPECT().DeleteExpiredAndRevoked(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	st.EXPECT().DeleteOldestExcess(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
}

func TestLogin_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	pw := "Abcdef1!"
	user := testUser(t, pw)

	st.EXPECT().ActiveUserByEmail(gomock.Any(), "user@example.com").Return(user, nil)
	st.EXPECT().CountActiveRefreshTokens(gomock.Any(), user.ID).Return(1, nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)
	expectCleanup(st)

	session, err := svc.Login(context.Background(), " User@Example.com ", pw)
	require.NoError(t, err)
	require.NotEmpty(t, session.AccessToken)
	require.NotEmpty(t, session.RefreshToken)
	require.Equal(t, user.ID, session.Account.ID)
	require.Equal(t, user.Email, session.Account.Email)
	require.WithinDuration(t, time.Now().Add(svc.cfg.AccessTokenTTL), session.AccessExpiresAt, 2*time.Second)
}

func TestLogin_InvalidEmail(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, err := svc.Login(context.Background(), "not-an-email", "pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_EmptyPassword(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, err := svc.Login(context.Background(), "user@example.com", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_UnknownUser(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().ActiveUserByEmail(gomock.Any(), "user@example.com").
		Return(nil, storage.ErrNotFound)

	_, err := svc.Login(context.Background(), "user@example.com", "pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_WrongPassword(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	st.EXPECT().ActiveUserByEmail(gomock.Any(), "user@example.com").Return(user, nil)

	_, err := svc.Login(context.Background(), "user@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_SessionLimit(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	pw := "Abcdef1!"
	user := testUser(t, pw)

	st.EXPECT().ActiveUserByEmail(gomock.Any(), "user@example.com").Return(user, nil)
	st.EXPECT().CountActiveRefreshTokens(gomock.Any(), user.ID).
		Return(svc.cfg.MaxSessionsPerUser, nil)

	_, err := svc.Login(context.Background(), "user@example.com", pw)
	require.ErrorIs(t, err, ErrTooManySessions)
}

func TestLogin_StorageError(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	boom := errors.New("pg down")
	st.EXPECT().ActiveUserByEmail(gomock.Any(), "user@example.com").Return(nil, boom)

	_, err := svc.Login(context.Background(), "user@example.com", "pw")
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh_EmptyToken(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	session, err := svc.Refresh(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, session)
}

func TestRefresh_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), false)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)
	st.EXPECT().RevokeRefreshTokenIfActive(gomock.Any(), row.ID).Return(true, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)
	expectCleanup(st)

	session, err := svc.Refresh(context.Background(), plain)
	require.NoError(t, err)
	require.NotEmpty(t, session.AccessToken)
	require.NotEmpty(t, session.RefreshToken)
	require.NotEqual(t, plain, session.RefreshToken)
	require.Equal(t, user.ID, session.Account.ID)
}

func TestRefresh_UnknownToken(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), gomock.Any()).
		Return(nil, storage.ErrNotFound)

	_, err := svc.Refresh(context.Background(), "deadbeef")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_HashMismatch(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	// Строка найдена по lookup-ключу, но bcrypt-хэш от другого значения.
	_, row := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), false)
	other, _ := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), false)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), lookupHashOf(other)).Return(row, nil)

	_, err := svc.Refresh(context.Background(), other)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_ReplayOfRevoked(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), true)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)

	_, err := svc.Refresh(context.Background(), plain)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_Expired(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(-time.Minute), false)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)

	_, err := svc.Refresh(context.Background(), plain)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefresh_LostRotationRace(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), false)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)
	st.EXPECT().RevokeRefreshTokenIfActive(gomock.Any(), row.ID).Return(false, nil)

	_, err := svc.Refresh(context.Background(), plain)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_DeletedUser(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	user.IsDeleted = true
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), false)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)
	st.EXPECT().RevokeRefreshTokenIfActive(gomock.Any(), row.ID).Return(true, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	_, err := svc.Refresh(context.Background(), plain)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRenewSession_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), false)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)
	st.EXPECT().ExtendRefreshToken(gomock.Any(), row.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, expiresAt time.Time) error {
			require.WithinDuration(t, time.Now().Add(svc.cfg.RefreshTokenTTL), expiresAt, 2*time.Second)
			return nil
		})
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	account, err := svc.RenewSession(context.Background(), plain)
	require.NoError(t, err)
	require.Equal(t, user.ID, account.ID)
	require.Equal(t, user.Email, account.Email)
}

func TestRenewSession_EmptyToken(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	account, err := svc.RenewSession(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, account)
}

func TestRenewSession_Revoked(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), true)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)

	_, err := svc.RenewSession(context.Background(), plain)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRenewSession_Expired(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(-time.Minute), false)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)

	_, err := svc.RenewSession(context.Background(), plain)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestLogout_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser(t, "Abcdef1!")
	plain, row := seedRefresh(t, user.ID, time.Now().UTC().Add(time.Hour), false)

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), row.LookupHash).Return(row, nil)
	st.EXPECT().DeleteRefreshToken(gomock.Any(), row.ID).Return(nil)

	svc.Logout(context.Background(), plain)
}

func TestLogout_UnknownTokenIsSilent(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().RefreshTokenByLookup(gomock.Any(), gomock.Any()).
		Return(nil, storage.ErrNotFound)

	svc.Logout(context.Background(), "deadbeef")
}

func TestLogout_EmptyTokenIsSilent(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	svc.Logout(context.Background(), "")
}
