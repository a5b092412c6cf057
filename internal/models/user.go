package models

import (
	"time"

	"github.com/google/uuid"
)

// User — модель пользователя в системе.
//
// Жизненный цикл пользователей принадлежит подсистеме управления аккаунтами;
// sessions-service только читает эти данные (поиск по email, проверка пароля).
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Role         string
	IsDeleted    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account — безопасное представление пользователя для ответов API.
// Никогда не содержит PasswordHash.
type Account struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
}

// AccountOf возвращает сведения о пользователе без чувствительных полей.
func AccountOf(u *User) Account {
	return Account{
		ID:    u.ID,
		Email: u.Email,
		Role:  u.Role,
	}
}
