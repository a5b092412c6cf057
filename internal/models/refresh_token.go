package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken — данные refresh-токена для управления сессиями.
//
// Описание:
//   - TokenHash — bcrypt-хэш случайного секрета; сырое значение никогда
//     не сохраняется;
//   - LookupHash — детерминированный несекретный ключ поиска
//     (base64url(sha256(raw))), позволяющий найти строку по индексу вместо
//     перебора всех активных токенов с bcrypt-сравнением каждого;
//   - Revoked выставляется при ротации/компрометации; строка с Revoked=TRUE
//     никогда не проходит повторную валидацию и удаляется очисткой.
//
// Одна строка = одна активная сессия пользователя.
type RefreshToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	LookupHash string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
}
