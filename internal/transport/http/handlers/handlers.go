package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/morozovadk/taskflow-sessions/internal/config"
	"github.com/morozovadk/taskflow-sessions/internal/csrf"
	"github.com/morozovadk/taskflow-sessions/internal/service"
)

// RefreshCookieName — имя httpOnly cookie с refresh-токеном.
const RefreshCookieName = "refresh_token"

// Handlers агрегирует зависимости auth-эндпойнтов.
type Handlers struct {
	svc        *service.Service
	guard      *csrf.Guard
	cookies    config.CookieConfig
	refreshTTL time.Duration
}

func New(svc *service.Service, guard *csrf.Guard, cookies config.CookieConfig, refreshTTL time.Duration) *Handlers {
	return &Handlers{
		svc:        svc,
		guard:      guard,
		cookies:    cookies,
		refreshTTL: refreshTTL,
	}
}

// writeJSON — единый ответ JSON с нужным Content-Type.
// Ошибки выводим через apierrors.WriteError.
func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// decodeStrict — строгий JSON-декодер: запрещаем неизвестные поля.
func decodeStrict(r *http.Request, value any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(value)
}

// setRefreshCookie устанавливает httpOnly cookie с refresh-токеном.
func (h *Handlers) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   int(h.refreshTTL.Seconds()),
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: h.cookies.SameSiteMode(),
	})
}

// clearRefreshCookie удаляет refresh-cookie.
func (h *Handlers) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   -1,
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: h.cookies.SameSiteMode(),
	})
}

// refreshFromCookie возвращает значение refresh-cookie или "" при его отсутствии.
func refreshFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
