package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/morozovadk/taskflow-sessions/internal/config"
	"github.com/morozovadk/taskflow-sessions/internal/csrf"
	apierrors "github.com/morozovadk/taskflow-sessions/internal/errors"
	"github.com/morozovadk/taskflow-sessions/internal/service"
	"github.com/morozovadk/taskflow-sessions/internal/transport/http/handlers"
	"github.com/morozovadk/taskflow-sessions/internal/transport/http/middleware"
)

// csrfExempt — bootstrap-эндпойнты, выполняемые до появления CSRF-cookie,
// плюс /auth/validate: он аутентифицируется токеном в теле, а не cookie,
// поэтому double-submit проверка для него не имеет смысла.
var csrfExempt = []string{"/auth/login", "/auth/refresh", "/auth/renew", "/auth/logout", "/auth/validate"}

// Options — параметры сборки HTTP-роутера.
type Options struct {
	Logger  *slog.Logger
	Timeout time.Duration
	Cookies config.CookieConfig
	// RefreshTTL задаёт MaxAge refresh-cookie (совпадает с TTL токена).
	RefreshTTL time.Duration
	// GraphQLPath — путь, на котором CSRF-мидлвар инспектирует тело
	// на предмет мутаций; пустое значение отключает инспекцию.
	GraphQLPath string
}

// NewRouter собирает http.Handler с chi и подключёнными middleware/роутами.
func NewRouter(svc *service.Service, opts Options) http.Handler {
	root := chi.NewRouter()

	guard := csrf.New(opts.Cookies)

	// Middleware (внешний -> внутренний).
	root.Use(
		middleware.Recover(),            // безопасно ловим паники
		middleware.RequestID(),          // формируем/прокидываем X-Request-Id (до логирования!)
		middleware.Logging(opts.Logger), // кладём request-scoped логгер в контекст и логируем
	)
	if opts.Timeout > 0 {
		root.Use(middleware.Timeout(opts.Timeout)) // общий дедлайн запроса
	}
	root.Use(guard.Middleware(csrfExempt, opts.GraphQLPath, apierrors.WriteError))

	h := handlers.New(svc, guard, opts.Cookies, opts.RefreshTTL)

	root.Post("/auth/login", h.Login)
	root.Post("/auth/refresh", h.Refresh)
	root.Post("/auth/renew", h.Renew)
	root.Post("/auth/logout", h.Logout)
	root.Post("/auth/validate", h.Validate)

	return root
}
