// metrics публикует счётчики исходов операций жизненного цикла сессий.
// Повторное предъявление ротированного токена (replay) выделено в отдельный
// счётчик: это сигнал компрометации, на который настраивается алертинг.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — набор prometheus-счётчиков sessions-service.
// Нулевой указатель безопасен: все методы Inc* проверяют receiver на nil,
// чтобы сервис работал и без сконфигурированных метрик.
type Metrics struct {
	loginSuccess   prometheus.Counter
	loginFailure   prometheus.Counter
	refreshSuccess prometheus.Counter
	refreshFailure prometheus.Counter
	replayDetected prometheus.Counter
	renewSuccess   prometheus.Counter
	logout         prometheus.Counter
}

// New регистрирует счётчики в переданном Registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		loginSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_login_success_total",
			Help: "Successful logins.",
		}),
		loginFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_login_failure_total",
			Help: "Failed logins (bad credentials, session cap, internal errors).",
		}),
		refreshSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_refresh_success_total",
			Help: "Successful refresh-token rotations.",
		}),
		refreshFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_refresh_failure_total",
			Help: "Failed refresh attempts (invalid, expired, internal errors).",
		}),
		replayDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_refresh_replay_detected_total",
			Help: "Rotated or revoked refresh tokens presented again.",
		}),
		renewSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_renew_success_total",
			Help: "Successful session renewals without rotation.",
		}),
		logout: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_logout_total",
			Help: "Logout requests processed.",
		}),
	}
}

func (m *Metrics) IncLoginSuccess() {
	if m != nil {
		m.loginSuccess.Inc()
	}
}

func (m *Metrics) IncLoginFailure() {
	if m != nil {
		m.loginFailure.Inc()
	}
}

func (m *Metrics) IncRefreshSuccess() {
	if m != nil {
		m.refreshSuccess.Inc()
	}
}

func (m *Metrics) IncRefreshFailure() {
	if m != nil {
		m.refreshFailure.Inc()
	}
}

func (m *Metrics) IncReplayDetected() {
	if m != nil {
		m.replayDetected.Inc()
	}
}

func (m *Metrics) IncRenewSuccess() {
	if m != nil {
		m.renewSuccess.Inc()
	}
}

func (m *Metrics) IncLogout() {
	if m != nil {
		m.logout.Inc()
	}
}
