// Базовые типы - определяем универсальный язык общения с моделями
package llm

// ChatRequest — унифицированный запрос к любой модели
type ChatRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Format      string    // "json_object" или пустая строка
	Messages    []Message // История чата
}

// Message — одно сообщение
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Константы для удобства
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	FormatJSON = "json_object"
)
