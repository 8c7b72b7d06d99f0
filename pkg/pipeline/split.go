package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ilkoid/priemka-ai/pkg/cache"
	"github.com/ilkoid/priemka-ai/pkg/llm"
	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// Формулировки "замечаний нет" — такие комментарии не ходят в LLM вообще.
var noDefectsRegex = regexp.MustCompile(`(?i)^\s*$|нет\s+замечаний|без\s+замечаний|замечания\s+отсутствуют`)

var (
	// "1. Текст", "1) Текст"
	reNumberedSep = regexp.MustCompile(`^\d{1,3}[.)]\s*`)
	// "1 Текст"
	reNumberedSpace = regexp.MustCompile(`^\d{1,3}\s+`)
	// "1Текст" — цифры приклеены к букве; RE2 без lookahead, поэтому
	// захватываем остаток группой
	reNumberedGlued = regexp.MustCompile(`^\d{1,3}(\p{L}.*)$`)
	// "- Текст", "* Текст"
	reBullet = regexp.MustCompile(`^[-*]\s+`)

	// Признаки нумерованного списка в исходном тексте (старты строк)
	reInputNumbered      = regexp.MustCompile(`(?m)^\s*\d{1,2}[.)\s]`)
	reInputNumberedGlued = regexp.MustCompile(`(?m)^\s*\d{1,2}[А-ЯЁа-яё]`)

	// Строка начинается с номера — для локального построчного разбиения
	reLineNumbered = regexp.MustCompile(`^\d{1,2}([.)\s]|\p{L})`)
	// Заголовки помещений ("Окно 2", "Кухня") — не дефекты, пропускаем
	reRoomHeader = regexp.MustCompile(`(?i)^(Окно|Кухня|Комната|Балкон|Лоджия|Санузел|Ванная|Коридор|Прихожая)\s*\d*`)
)

// При срезании приклеенного номера ("1Текст") остаток короче этого порога
// не трогаем: "5шт" не должен превращаться в "шт".
const minStrippedLen = 5

// Дефекты короче этого порога или состоящие из одних цифр отфильтровываются.
const minDefectLen = 3

// Splitter разбивает комментарии на отдельные дефекты.
//
// Семантическое разбиение делает LLM; локально распознаются комментарии
// без замечаний, чистится нумерация, результат проверяется эвристиками
// и при неправдоподобном ответе заменяется механическим построчным
// разбиением. Без состояния между вызовами, кроме кэша.
type Splitter struct {
	tasks *llm.TaskClient
	cache cache.Store
}

// NewSplitter создает Splitter с внедрённым кэшом.
func NewSplitter(tasks *llm.TaskClient, store cache.Store) *Splitter {
	if store == nil {
		store = cache.NewMemory()
	}
	return &Splitter{tasks: tasks, cache: store}
}

// IsEmpty сообщает, что комментарий не содержит замечаний.
// Локальная проверка, внешних вызовов нет.
func (s *Splitter) IsEmpty(comment string) bool {
	return noDefectsRegex.MatchString(comment)
}

// SplitBatch разбивает пакет комментариев.
//
// Жёсткий инвариант: len(результата) == len(comments), порядок сохранён.
//
// Алгоритм по каждому комментарию:
//  1. пустой / "нет замечаний" → [] без обращения к LLM
//  2. кэш по контент-хэшу
//  3. остаток уходит в LLM батчами (размер батча держит TaskClient)
//  4. каждый дефект чистится от нумерации, результат валидируется
//     цепочкой стратегий с локальным fallback
//  5. итог кладётся в кэш
func (s *Splitter) SplitBatch(ctx context.Context, comments []string) ([][]string, error) {
	if len(comments) == 0 {
		return nil, nil
	}

	results := make([][]string, len(comments))
	var pendingIdx []int
	var pendingTexts []string

	for i, comment := range comments {
		if s.IsEmpty(comment) {
			results[i] = []string{}
			continue
		}

		if cached, ok := s.cacheGet(comment); ok {
			results[i] = cached
			continue
		}

		pendingIdx = append(pendingIdx, i)
		pendingTexts = append(pendingTexts, comment)
	}

	if len(pendingTexts) > 0 {
		utils.Info("splitting via llm", "pending", len(pendingTexts), "cached", len(comments)-len(pendingTexts))

		llmResults, err := s.tasks.SplitComments(ctx, pendingTexts)
		if err != nil {
			return nil, fmt.Errorf("split batch: %w", err)
		}

		for j, origIdx := range pendingIdx {
			comment := pendingTexts[j]

			var defects []string
			if j < len(llmResults) {
				defects = make([]string, 0, len(llmResults[j].Defects))
				for _, d := range llmResults[j].Defects {
					if cleaned := CleanDefectText(d); cleaned != "" {
						defects = append(defects, cleaned)
					}
				}
				defects = s.validate(comment, defects)
			} else {
				// TaskClient добивает ответы до размера батча, сюда
				// попадаем только при внутреннем рассинхроне
				defects = LocalSplitByNumbers(comment)
				utils.Warn("missing llm split result, local fallback", "index", origIdx, "defects", len(defects))
			}

			results[origIdx] = defects
			s.cachePut(comment, defects)
		}
	}

	return results, nil
}

// CacheSize возвращает число записей в кэше.
func (s *Splitter) CacheSize() int {
	return s.cache.Len()
}

// validate прогоняет результат LLM через цепочку именованных стратегий.
// Каждая стратегия либо возвращает исправленный список, либо пропускает
// ход дальше. Fallback-и — ожидаемая часть нормальной работы, логируются
// как warning.
func (s *Splitter) validate(comment string, defects []string) []string {
	if fixed, ok := rescueEmptyNumbered(comment, defects); ok {
		return fixed
	}
	if fixed, ok := rescueDuplicated(comment, defects); ok {
		return fixed
	}
	return dropImplausible(defects)
}

// rescueEmptyNumbered: LLM вернула пусто, а вход структурно похож на
// нумерованный список — разбиваем механически.
func rescueEmptyNumbered(comment string, defects []string) ([]string, bool) {
	if len(defects) > 0 {
		return nil, false
	}
	if !reInputNumbered.MatchString(comment) && !reInputNumberedGlued.MatchString(comment) {
		return nil, false
	}
	utils.Warn("llm returned empty for numbered input, local split")
	return LocalSplitByNumbers(comment), true
}

// rescueDuplicated: все дефекты — одна и та же строка (типовой сбой
// модели). Берём локальное разбиение, если оно даёт больше одного
// различимого результата.
func rescueDuplicated(comment string, defects []string) ([]string, bool) {
	if len(defects) < 2 {
		return nil, false
	}
	unique := make(map[string]struct{}, len(defects))
	for _, d := range defects {
		unique[d] = struct{}{}
	}
	if len(unique) != 1 {
		return nil, false
	}

	utils.Warn("llm returned identical defects, trying local split", "count", len(defects))
	local := LocalSplitByNumbers(comment)
	localUnique := make(map[string]struct{}, len(local))
	for _, d := range local {
		localUnique[d] = struct{}{}
	}
	if len(localUnique) > 1 {
		return local, true
	}
	return nil, false
}

// dropImplausible отфильтровывает слишком короткие и чисто числовые строки.
func dropImplausible(defects []string) []string {
	valid := defects[:0]
	for _, d := range defects {
		if len([]rune(d)) <= minDefectLen || isDigits(d) {
			continue
		}
		valid = append(valid, d)
	}
	if len(valid) < len(defects) {
		utils.Warn("filtered implausible defects", "dropped", len(defects)-len(valid))
	}
	return valid
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CleanDefectText убирает ведущую нумерацию и маркеры списка.
//
// Обрабатывает "1. Текст", "1) Текст", "1 Текст", "1Текст" (только если
// остаток достаточно длинный), "- Текст", "* Текст".
func CleanDefectText(text string) string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return ""
	}

	if reNumberedSep.MatchString(cleaned) {
		cleaned = reNumberedSep.ReplaceAllString(cleaned, "")
	} else if reNumberedSpace.MatchString(cleaned) {
		cleaned = reNumberedSpace.ReplaceAllString(cleaned, "")
	} else if m := reNumberedGlued.FindStringSubmatch(cleaned); m != nil {
		if len([]rune(m[1])) > minStrippedLen {
			cleaned = m[1]
		}
	}

	cleaned = reBullet.ReplaceAllString(cleaned, "")

	return strings.TrimSpace(cleaned)
}

// LocalSplitByNumbers — механическое разбиение по нумерованным строкам,
// без LLM. Многострочный текст собирается в дефекты по строкам,
// начинающимся с номера; заголовки помещений пропускаются; строки без
// номера продолжают текущий дефект.
func LocalSplitByNumbers(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var defects []string
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		if cleaned := CleanDefectText(strings.Join(current, " ")); cleaned != "" {
			defects = append(defects, cleaned)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if reRoomHeader.MatchString(line) && len([]rune(line)) < 50 {
			continue
		}

		if reLineNumbered.MatchString(line) {
			flush()
			current = append(current, line)
			continue
		}

		if len(current) > 0 {
			current = append(current, line)
		} else if cleaned := CleanDefectText(line); cleaned != "" {
			defects = append(defects, cleaned)
		}
	}
	flush()

	return defects
}

// Префикс ключа отделяет записи split от classify в общем хранилище.
func splitCacheKey(comment string) string {
	return cache.Key("split:" + comment)
}

func (s *Splitter) cacheGet(comment string) ([]string, bool) {
	raw, ok := s.cache.Get(splitCacheKey(comment))
	if !ok {
		return nil, false
	}
	var defects []string
	if err := json.Unmarshal([]byte(raw), &defects); err != nil {
		utils.Warn("corrupt split cache entry, ignoring", "error", err)
		return nil, false
	}
	if defects == nil {
		defects = []string{}
	}
	return defects, true
}

func (s *Splitter) cachePut(comment string, defects []string) {
	raw, err := json.Marshal(defects)
	if err != nil {
		return
	}
	if err := s.cache.Set(splitCacheKey(comment), string(raw)); err != nil {
		utils.Warn("split cache write failed", "error", err)
	}
}
