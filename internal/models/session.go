package models

import "time"

// Session — результат успешного login/refresh.
//
// Описание:
//   - AccessToken — короткоживущий JWT для доступа к API;
//   - RefreshToken — случайный секрет, который клиент хранит в httpOnly cookie
//     и предъявляет для выпуска новой пары токенов; на сервере хранится
//     только его хэш;
//   - AccessExpiresAt — момент истечения access-токена (UTC);
//   - Account — безопасные сведения о пользователе.
type Session struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	Account         Account
}
