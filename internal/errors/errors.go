// errors стандартизирует ответы об ошибках HTTP-слоя sessions-сервиса.
// На вход он принимает доменную ошибку (сентинелы пакетов service и csrf),
// а на выход даёт:
//   - корректный HTTP-статус;
//   - краткое безопасное message без утечки деталей.
//
// InvalidCredentials и TokenInvalid намеренно дают одинаково скупые ответы:
// различие живёт только в серверных логах, чтобы исключить перечисление
// аккаунтов и зондирование токенов.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/morozovadk/taskflow-sessions/internal/csrf"
	"github.com/morozovadk/taskflow-sessions/internal/service"
)

// APIError — единый формат для фронта.
// Code — короткий стабильный код для машиночитаемой обработки на FE.
// Message — безопасное человекочитаемое описание.
// RequestID — прокидывается из X-Request-Id, если есть (для трассировки).
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse — корневой объект в ответе.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ErrInvalidArgument — локальная ошибка транспорта: битый JSON/вход.
var ErrInvalidArgument = errors.New("invalid argument")

// ToHTTP конвертирует доменную ошибку в HTTP-статус и унифицированный ответ.
//
// Поведение:
//   - err == nil - это программная ошибка вызова: возвращаем 500/internal,
//     чтобы не послать "200 OK" с телом ошибки и не маскировать баг.
//   - неизвестная ошибка - 500/internal (без утечки деталей).
func ToHTTP(err error) (int, ErrorResponse) {
	httpStatus, code, msg := base(err)
	return httpStatus, ErrorResponse{
		Error: APIError{
			Code:    code,
			Message: msg,
		},
	}
}

// WriteError — хелпер для HTTP-хендлеров.
// Пишет корректный статус/тело, добавляет request_id из заголовка, если он есть.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := ToHTTP(err)

	// Прокидываем request_id для фронта, чтобы он мог репортить баги с привязкой.
	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		resp.Error.RequestID = rid
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// base — маппинг доменных сентинелов на HTTP/FE-код/сообщение:
//   - InvalidCredentials -> 401 (без различения "нет пользователя"/"не тот пароль")
//   - InvalidToken -> 401 (подпись/hash/replay — детали только в логах)
//   - TokenExpired -> 401 (отдельный код: фронт ведёт на re-login, а не на ретрай)
//   - TooManySessions -> 429
//   - InvalidEmail / InvalidArgument -> 400
//   - CsrfTokenMissing / CsrfTokenInvalid -> 403
//   - прочее -> 500/internal
func base(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "invalid credentials"
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, "token_invalid", "invalid token"
	case errors.Is(err, service.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired", "token expired"
	case errors.Is(err, service.ErrTooManySessions):
		return http.StatusTooManyRequests, "too_many_sessions", "too many active sessions"
	case errors.Is(err, service.ErrInvalidEmail), errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument", "invalid argument"
	case errors.Is(err, csrf.ErrTokenMissing):
		return http.StatusForbidden, "csrf_token_missing", "csrf token missing"
	case errors.Is(err, csrf.ErrTokenInvalid):
		return http.StatusForbidden, "csrf_token_invalid", "csrf token invalid"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
