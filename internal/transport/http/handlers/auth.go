package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/morozovadk/taskflow-sessions/internal/errors"
	"github.com/morozovadk/taskflow-sessions/internal/models"
	"github.com/morozovadk/taskflow-sessions/internal/service"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountResponse struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
}

type sessionResponse struct {
	Authenticated   bool            `json:"authenticated"`
	AccessToken     string          `json:"access_token,omitempty"`
	AccessExpiresAt time.Time       `json:"access_expires_at,omitempty"`
	CSRFToken       string          `json:"csrf_token,omitempty"`
	User            *accountResponse `json:"user,omitempty"`
}

type renewResponse struct {
	Success bool            `json:"success"`
	User    *accountResponse `json:"user,omitempty"`
}

type logoutResponse struct {
	Success bool `json:"success"`
}

type validateRequest struct {
	AccessToken string `json:"access_token"`
}

type validateResponse struct {
	Valid  bool      `json:"valid"`
	UserID uuid.UUID `json:"user_id"`
}

func accountOf(a models.Account) *accountResponse {
	return &accountResponse{ID: a.ID, Email: a.Email, Role: a.Role}
}

// writeSession отдаёт клиенту свежую сессию: refresh в httpOnly cookie,
// CSRF — в читаемой скриптом cookie и в теле (для неблокирующей инициализации).
// Сырой refresh-токен в тело ответа не попадает.
func (h *Handlers) writeSession(w http.ResponseWriter, r *http.Request, session *models.Session) {
	h.setRefreshCookie(w, session.RefreshToken)

	csrfToken, err := h.guard.Issue(w)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Authenticated:   true,
		AccessToken:     session.AccessToken,
		AccessExpiresAt: session.AccessExpiresAt,
		CSRFToken:       csrfToken,
		User:            accountOf(session.Account),
	})
}

// Login обрабатывает POST /auth/login.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.WriteError(w, r, apierrors.ErrInvalidArgument)
		return
	}

	session, err := h.svc.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	h.writeSession(w, r, session)
}

// Refresh обрабатывает POST /auth/refresh: ротирует refresh-токен из cookie.
// Отсутствие cookie — не ошибка, а ответ "не аутентифицирован": клиент при
// старте не знает, была ли сессия, и не должен получать 401 на первый запрос.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Refresh(r.Context(), refreshFromCookie(r))
	if err != nil {
		// Битый/просроченный токен в cookie бесполезен — убираем его,
		// чтобы клиент не предъявлял его снова. Внутренние сбои cookie
		// не трогают: сессия может быть валидной, и клиент повторит
		// попытку, когда хранилище оживёт.
		if errors.Is(err, service.ErrInvalidToken) || errors.Is(err, service.ErrTokenExpired) {
			h.clearRefreshCookie(w)
			h.guard.Clear(w)
		}
		apierrors.WriteError(w, r, err)
		return
	}

	if session == nil {
		writeJSON(w, http.StatusOK, sessionResponse{Authenticated: false})
		return
	}

	h.writeSession(w, r, session)
}

// Renew обрабатывает POST /auth/renew: продлевает refresh-токен без ротации.
// Значение cookie не меняется — переустанавливается только MaxAge.
func (h *Handlers) Renew(w http.ResponseWriter, r *http.Request) {
	token := refreshFromCookie(r)

	account, err := h.svc.RenewSession(r.Context(), token)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	if account == nil {
		writeJSON(w, http.StatusOK, renewResponse{Success: false})
		return
	}

	h.setRefreshCookie(w, token)

	writeJSON(w, http.StatusOK, renewResponse{
		Success: true,
		User:    accountOf(*account),
	})
}

// Logout обрабатывает POST /auth/logout. Всегда отвечает успехом и чистит
// обе cookie: оставить клиенту протухшие cookie хуже, чем висячую строку
// в БД, которую подберёт cleanup.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), refreshFromCookie(r))

	h.clearRefreshCookie(w)
	h.guard.Clear(w)

	writeJSON(w, http.StatusOK, logoutResponse{Success: true})
}

// Validate обрабатывает POST /auth/validate: проверка access-токена
// для внутренних потребителей (границы других сервисов).
func (h *Handlers) Validate(w http.ResponseWriter, r *http.Request) {
	var in validateRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.WriteError(w, r, apierrors.ErrInvalidArgument)
		return
	}

	uid, err := h.svc.ValidateAccessToken(in.AccessToken)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{Valid: true, UserID: uid})
}
