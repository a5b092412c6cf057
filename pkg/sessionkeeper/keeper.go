// sessionkeeper реализует клиентский планировщик активности сессии:
// кооперативный цикл на одной горутине, который по тику сравнивает
// время с порогом неактивности и с окном истечения access-токена
// и при необходимости инициирует refresh или локальный logout.
//
// Конкурентная модель: тики никогда не перекрываются (refresh выполняется
// синхронно внутри тика), поэтому дедупликация одновременных refresh
// обеспечивается конструкцией цикла, а не флагами. Мьютекс защищает только
// вход извне (RecordActivity/SetFocused/подписки) от гонки с тиком.
package sessionkeeper

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State — наблюдаемое состояние планировщика.
type State int

const (
	// StateIdle — сессия жива, refresh не выполняется.
	StateIdle State = iota
	// StateRefreshing — выполняется refresh.
	StateRefreshing
	// StateStopped — планировщик остановлен (logout или Stop).
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrStopped возвращается из Start, если планировщик уже останавливался.
var ErrStopped = errors.New("sessionkeeper: stopped")

// RefreshFunc выполняет refresh сессии и возвращает новый момент
// истечения access-токена.
type RefreshFunc func(ctx context.Context) (time.Time, error)

// Config — пороги планировщика. Нулевые значения заменяются умолчаниями.
type Config struct {
	// TickInterval — период тика.
	TickInterval time.Duration
	// InactivityLimit — порог неактивности, после которого сессия
	// завершается локально.
	InactivityLimit time.Duration
	// WarnWindow — за сколько до истечения access-токена запускать refresh.
	WarnWindow time.Duration
	// RefreshTimeout — таймаут одного вызова RefreshFunc.
	RefreshTimeout time.Duration
	// MaxRetries — число повторов refresh до принудительного logout.
	MaxRetries int
	// RetryBackoff — базовая пауза между повторами; после k-й неудачи
	// следующая попытка откладывается на k*RetryBackoff.
	RetryBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.InactivityLimit <= 0 {
		c.InactivityLimit = 30 * time.Minute
	}
	if c.WarnWindow <= 0 {
		c.WarnWindow = 30 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
}

// Keeper — планировщик активности одной сессии.
type Keeper struct {
	cfg     Config
	refresh RefreshFunc
	logout  func()

	mu              sync.Mutex
	state           State
	focused         bool
	lastActivity    time.Time
	accessExpiresAt time.Time
	retries         int
	nextAttempt     time.Time
	subscribers     []func(State)
	stop            chan struct{}
	stopOnce        sync.Once

	// now подменяется в тестах.
	now func() time.Time
}

// New создаёт Keeper. refresh обязателен; logout может быть nil.
func New(cfg Config, refresh RefreshFunc, logout func()) *Keeper {
	cfg.withDefaults()

	k := &Keeper{
		cfg:     cfg,
		refresh: refresh,
		logout:  logout,
		state:   StateIdle,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	k.lastActivity = k.now()

	return k
}

// Start запускает цикл тиков. Блокирует вызывающую горутину до Stop,
// logout по неактивности или отмены ctx.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.state == StateStopped {
		k.mu.Unlock()
		return ErrStopped
	}
	k.mu.Unlock()

	ticker := time.NewTicker(k.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.Stop()
			return ctx.Err()
		case <-k.stop:
			return nil
		case <-ticker.C:
			if !k.step(k.now()) {
				return nil
			}
		}
	}
}

// Stop останавливает цикл. Идемпотентен.
func (k *Keeper) Stop() {
	k.mu.Lock()
	if k.state != StateStopped {
		k.setStateLocked(StateStopped)
	}
	k.mu.Unlock()

	k.stopOnce.Do(func() { close(k.stop) })
}

// RecordActivity отмечает пользовательскую активность. События из
// расфокусированного окна игнорируются: фоновые вкладки генерируют
// фантомные события скролла/поинтера.
func (k *Keeper) RecordActivity() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.focused || k.state == StateStopped {
		return
	}

	k.lastActivity = k.now()
}

// SetFocused сообщает о получении/потере фокуса окном приложения.
func (k *Keeper) SetFocused(focused bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.focused = focused
	if focused && k.state != StateStopped {
		k.lastActivity = k.now()
	}
}

// SetAccessExpiry задаёт момент истечения текущего access-токена
// (после login или внешнего refresh).
func (k *Keeper) SetAccessExpiry(expiresAt time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.accessExpiresAt = expiresAt
	k.retries = 0
	k.nextAttempt = time.Time{}
}

// State возвращает текущее состояние.
func (k *Keeper) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Subscribe регистрирует наблюдателя смены состояний. Колбэк вызывается
// синхронно под мьютексом и не должен обращаться к Keeper.
func (k *Keeper) Subscribe(fn func(State)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.subscribers = append(k.subscribers, fn)
}

// step выполняет один тик. Возвращает false, когда цикл должен завершиться.
func (k *Keeper) step(now time.Time) bool {
	k.mu.Lock()

	if k.state == StateStopped {
		k.mu.Unlock()
		return false
	}

	// Неактивность: завершаем сессию локально и останавливаемся.
	if now.Sub(k.lastActivity) >= k.cfg.InactivityLimit {
		k.setStateLocked(StateStopped)
		logout := k.logout
		k.mu.Unlock()

		if logout != nil {
			logout()
		}
		k.stopOnce.Do(func() { close(k.stop) })
		return false
	}

	needRefresh := !k.accessExpiresAt.IsZero() &&
		k.accessExpiresAt.Sub(now) <= k.cfg.WarnWindow &&
		now.Sub(k.lastActivity) < k.cfg.InactivityLimit &&
		(k.nextAttempt.IsZero() || !now.Before(k.nextAttempt))

	if !needRefresh || k.state == StateRefreshing {
		k.mu.Unlock()
		return true
	}

	k.setStateLocked(StateRefreshing)
	k.mu.Unlock()

	return k.doRefresh(now)
}

// doRefresh выполняет один синхронный вызов refresh с таймаутом.
// Неудача учитывается в счётчике повторов; исчерпание повторов
// приводит к принудительному logout (fail-closed).
func (k *Keeper) doRefresh(now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.RefreshTimeout)
	expiresAt, err := k.refresh(ctx)
	cancel()

	k.mu.Lock()

	if err != nil {
		k.retries++
		if k.retries > k.cfg.MaxRetries {
			k.setStateLocked(StateStopped)
			logout := k.logout
			k.mu.Unlock()

			if logout != nil {
				logout()
			}
			k.stopOnce.Do(func() { close(k.stop) })
			return false
		}

		// Пауза растёт линейно с номером неудачи: backoff, 2*backoff, ...
		k.nextAttempt = now.Add(time.Duration(k.retries) * k.cfg.RetryBackoff)
		k.setStateLocked(StateIdle)
		k.mu.Unlock()
		return true
	}

	k.accessExpiresAt = expiresAt
	k.retries = 0
	k.nextAttempt = time.Time{}
	k.setStateLocked(StateIdle)
	k.mu.Unlock()
	return true
}

// setStateLocked меняет состояние и оповещает подписчиков.
// Вызывается только под k.mu.
func (k *Keeper) setStateLocked(next State) {
	if k.state == next {
		return
	}

	k.state = next
	for _, fn := range k.subscribers {
		fn(next)
	}
}
