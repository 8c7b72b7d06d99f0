package utils

// Truncate обрезает строку до max рун, добавляя многоточие.
// Используется для логирования длинных тел ответов.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
