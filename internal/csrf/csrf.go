// csrf реализует double-submit защиту от CSRF: случайный токен выдаётся
// в не-httpOnly cookie, и каждый мутирующий запрос обязан продублировать
// его в заголовке. Подделать пару может только same-origin скрипт,
// которому доступно чтение cookie.
//
// Токен эфемерный: перевыпускается на каждом login/refresh и нигде
// не хранится на сервере — проверка сводится к сравнению двух копий.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/morozovadk/taskflow-sessions/internal/config"
)

const (
	// CookieName — имя cookie с CSRF-токеном (читается клиентским скриптом).
	CookieName = "csrf_token"
	// HeaderName — заголовок, в котором клиент обязан продублировать токен.
	HeaderName = "X-CSRF-Token"

	// tokenLen — длина токена в байтах (hex-представление вдвое длиннее).
	tokenLen = 32
)

var (
	// ErrTokenMissing — заголовок или cookie отсутствуют.
	// Транспорт: 403 csrf_token_missing.
	ErrTokenMissing = errors.New("csrf token missing")

	// ErrTokenInvalid — пара присутствует, но не прошла проверку формата
	// или сравнение. Транспорт: 403 csrf_token_invalid.
	ErrTokenInvalid = errors.New("csrf token invalid")
)

// Guard выдаёт и проверяет CSRF-токены.
type Guard struct {
	cfg config.CookieConfig
}

// New создаёт Guard с настройками cookie.
func New(cfg config.CookieConfig) *Guard {
	return &Guard{cfg: cfg}
}

// Issue генерирует новый токен и устанавливает его cookie.
// Cookie намеренно не httpOnly: клиентский скрипт должен прочитать
// значение и вернуть его в заголовке.
func (g *Guard) Issue(w http.ResponseWriter) (string, error) {
	const op = "csrf.Issue"

	b := make([]byte, tokenLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	token := hex.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   g.cfg.Domain,
		MaxAge:   int(g.cfg.CSRFTokenTTL.Seconds()),
		Secure:   g.cfg.Secure,
		HttpOnly: false,
		SameSite: g.cfg.SameSiteMode(),
	})

	return token, nil
}

// Validate сверяет токен из заголовка с токеном из cookie.
// Оба значения должны присутствовать, проходить строгий hex-фильтр
// и совпадать при сравнении за постоянное время.
func (g *Guard) Validate(r *http.Request) error {
	header := r.Header.Get(HeaderName)

	cookie, err := r.Cookie(CookieName)
	if err != nil || header == "" {
		return ErrTokenMissing
	}

	if !wellFormed(header) || !wellFormed(cookie.Value) {
		return ErrTokenInvalid
	}

	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
		return ErrTokenInvalid
	}

	return nil
}

// Clear удаляет CSRF-cookie (используется при logout).
func (g *Guard) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   g.cfg.Domain,
		MaxAge:   -1,
		Secure:   g.cfg.Secure,
		HttpOnly: false,
		SameSite: g.cfg.SameSiteMode(),
	})
}

// wellFormed проверяет токен на строгий формат: ровно 64 символа [0-9a-f].
// Фильтр отсекает мусорные значения до сравнения.
func wellFormed(token string) bool {
	if len(token) != tokenLen*2 {
		return false
	}

	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
