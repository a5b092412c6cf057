package csrf

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// maxInspectBytes ограничивает чтение тела при детекции GraphQL-мутаций.
const maxInspectBytes = 1 << 20

// bootstrapMutations — мутации, выполняемые до того, как у клиента может
// существовать CSRF-cookie. Для них double-submit проверка не имеет смысла:
// refresh-токен и так защищён httpOnly+SameSite cookie.
var bootstrapMutations = []string{"login", "refreshToken", "refreshTokenRenewal", "logout"}

// Middleware защищает мутирующие запросы double-submit проверкой.
//
// Правила:
//   - безопасные методы (GET/HEAD/OPTIONS/TRACE) пропускаются;
//   - пути из exempt (bootstrap-эндпойнты auth) пропускаются;
//   - для graphqlPath тело инспектируется: запросы без мутаций
//     пропускаются, bootstrap-мутации освобождаются по именам полей
//     верхнего уровня;
//   - остальные мутирующие запросы без валидной пары отклоняются через
//     reject до бизнес-логики.
func (g *Guard) Middleware(exempt []string, graphqlPath string, reject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	exemptSet := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		exemptSet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if safeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := exemptSet[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			if graphqlPath != "" && r.URL.Path == graphqlPath {
				body, err := readBody(r)
				if err != nil {
					reject(w, r, ErrTokenInvalid)
					return
				}

				if !isGuardedMutation(body) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if err := g.Validate(r); err != nil {
				reject(w, r, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// readBody читает тело запроса и восстанавливает r.Body для хендлера.
func readBody(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxInspectBytes))
	if err != nil {
		return "", err
	}

	r.Body = io.NopCloser(bytes.NewReader(raw))
	return string(raw), nil
}

// isGuardedMutation определяет, содержит ли GraphQL-запрос мутацию,
// требующую CSRF-проверки. Ошибки двух направлений неравноценны.
// Ложное срабатывание на query безобидно: у залогиненного клиента пара
// и так валидна, проверка просто лишняя. Опасен пропуск защищённой
// мутации, поэтому bootstrap-освобождение сверяется только с именами
// полей верхнего уровня после разыменования алиасов: ни алиас вида
// login: deleteProject, ни поле loginHistory, ни слово login в
// строковом аргументе под освобождение не попадают. Документ, который
// не удалось разобрать, считается защищённым.
func isGuardedMutation(body string) bool {
	if strings.HasPrefix(strings.TrimSpace(body), "[") {
		// Батчевые запросы не разбираем: любое упоминание mutation
		// требует пару.
		return strings.Contains(body, "mutation")
	}

	fields, isMutation := mutationFields(queryOf(body))
	if !isMutation {
		return false
	}
	if len(fields) == 0 {
		return true
	}

	for _, f := range fields {
		if !isBootstrapMutation(f) {
			return true
		}
	}

	return false
}

func isBootstrapMutation(field string) bool {
	for _, name := range bootstrapMutations {
		if field == name {
			return true
		}
	}
	return false
}

// queryOf извлекает GraphQL-документ из JSON-обёртки {"query": ...}.
// Тело без обёртки (application/graphql) возвращается как есть.
func queryOf(body string) string {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(body), &req); err == nil && req.Query != "" {
		return req.Query
	}
	return body
}

// mutationFields возвращает имена полей верхнего уровня первой
// mutation-операции документа. Второй результат false, если мутаций
// в документе нет.
func mutationFields(query string) ([]string, bool) {
	toks := lexGraphQL(query)

	for i := 0; i < len(toks); i++ {
		if toks[i] != "mutation" {
			continue
		}

		// Имя операции, переменные и директивы до selection set.
		j := i + 1
		for j < len(toks) && toks[j] != "{" {
			j++
		}
		if j == len(toks) {
			return nil, true
		}

		return topLevelFields(toks[j:]), true
	}

	return nil, false
}

// topLevelFields собирает имена полей на глубине 1 selection set,
// начинающегося с toks[0] == "{". Алиас alias: field даёт field.
// Спред фрагмента отдаётся как "...": его содержимое неизвестно,
// и вызывающий считает такую мутацию защищённой.
func topLevelFields(toks []string) []string {
	var fields []string
	depth := 0

	for i := 0; i < len(toks); i++ {
		switch toks[i] {
		case "{", "(":
			depth++
		case "}", ")":
			depth--
			if depth == 0 {
				return fields
			}
		case "...":
			if depth == 1 {
				fields = append(fields, "...")
			}
		case "@":
			// Директива: пропускаем её имя.
			i++
		default:
			if depth == 1 && isIdent(toks[i]) {
				name := toks[i]
				if i+2 < len(toks) && toks[i+1] == ":" {
					name = toks[i+2]
					i += 2
				}
				fields = append(fields, name)
			}
		}
	}

	return fields
}

// lexGraphQL разбивает документ на токены: идентификаторы, "..." и
// одиночные знаки пунктуации. Строки и комментарии токенов не дают,
// поэтому mutation внутри строкового аргумента детекцию не триггерит.
func lexGraphQL(s string) []string {
	var toks []string

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == ',':
			i++
		case c == '#':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case strings.HasPrefix(s[i:], `"""`):
			end := strings.Index(s[i+3:], `"""`)
			if end < 0 {
				return toks
			}
			i += end + 6
		case c == '"':
			i++
			for i < len(s) {
				if s[i] == '\\' {
					i += 2
					continue
				}
				if s[i] == '"' {
					i++
					break
				}
				i++
			}
		case strings.HasPrefix(s[i:], "..."):
			toks = append(toks, "...")
			i += 3
		case isIdentByte(c):
			j := i + 1
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			toks = append(toks, string(c))
			i++
		}
	}

	return toks
}

func isIdent(tok string) bool {
	return tok != "" && isIdentByte(tok[0]) && (tok[0] < '0' || tok[0] > '9')
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9'
}
