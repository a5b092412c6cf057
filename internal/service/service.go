// service содержит бизнес-логику sessions-сервиса:
// аутентификацию пользователей, выпуск/проверку/ротацию токенов,
// политику сессий и работу с хранилищем через интерфейсы из пакета storage.
//
// Основные аспекты:
//   - Пакет не хранит состояние запроса внутри Service; экземпляр Service
//     безопасен для конкурентного использования из разных горутин при условии,
//     что переданное хранилище (storage.Storage) потокобезопасно.
//   - Координация конкурентных refresh с одним и тем же токеном выполняется
//     на уровне БД (атомарный условный UPDATE), а не в памяти процесса.
//   - Ошибки возвращаются наверх и маппятся транспортом на HTTP-статусы
//     (см. комментарии к переменным ошибок ниже).
package service

import (
	"errors"

	"github.com/morozovadk/taskflow-sessions/internal/cache"
	"github.com/morozovadk/taskflow-sessions/internal/config"
	"github.com/morozovadk/taskflow-sessions/internal/metrics"
	"github.com/morozovadk/taskflow-sessions/internal/storage"
)

var (
	// ErrInvalidCredentials — пара логин/пароль неверна или пользователь не найден.
	// Транспорт: 401 invalid_credentials. Причина (нет пользователя / не тот пароль)
	// различается только в серверных логах — наружу отдаётся один код,
	// чтобы исключить перечисление аккаунтов.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken — токен (access/refresh) некорректен по формату/подписи,
	// отсутствует в хранилище или предъявлен повторно после ротации.
	// Транспорт: 401 token_invalid.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired — срок действия токена истёк.
	// Транспорт: 401 token_expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrTooManySessions — достигнут лимит одновременных сессий пользователя.
	// Новый login не вытесняет старые сессии — вытеснение выполняет только
	// ротация при refresh. Транспорт: 429 too_many_sessions.
	ErrTooManySessions = errors.New("too many sessions")

	// ErrInvalidEmail — e-mail имеет некорректный формат.
	// Транспорт: 400 invalid_argument (используется подсистемой валидации входа).
	ErrInvalidEmail = errors.New("invalid email format")

	// ErrRefreshTokenCollision — исчерпаны попытки сгенерировать уникальный
	// refresh-токен (крайне редкие коллизии lookup-ключа). Транспорт: 500.
	ErrRefreshTokenCollision = errors.New("refresh token collision")
)

// Service описывает бизнес-логику sessions-сервиса.
type Service struct {
	storage storage.Storage
	cfg     config.AuthConfig
	rcache  cache.RefreshCache // может быть nil, если кэш не сконфигурирован
	metrics *metrics.Metrics   // может быть nil; все Inc* нил-безопасны
}

// New создаёт новый экземпляр Service.
func New(storage storage.Storage, cfg config.AuthConfig) *Service {
	return &Service{
		storage: storage,
		cfg:     cfg,
	}
}

// SetRefreshCache устанавливает кэш refresh-токенов (опционально).
func (s *Service) SetRefreshCache(c cache.RefreshCache) {
	s.rcache = c
}

// SetMetrics устанавливает счётчики операций (опционально).
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}
