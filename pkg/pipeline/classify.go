package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/ilkoid/priemka-ai/pkg/cache"
	"github.com/ilkoid/priemka-ai/pkg/catalog"
	"github.com/ilkoid/priemka-ai/pkg/llm"
	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// CategoryUndetermined — зарезервированная категория-сентинел: пустые
// дефекты, невалидные ответы модели без правдоподобной fuzzy-замены.
// Уверенность у сентинела всегда 0.
const CategoryUndetermined = "НЕ ОПРЕДЕЛЕНО"

// Типовые не-ответы модели. Выбор из этого списка равнозначен отсутствию
// ответа — кандидат подбирается заново по fuzzy-сходству.
var nonAnswers = map[string]struct{}{
	"":           {},
	"другое":     {},
	"прочее":     {},
	"other":      {},
	"n/a":        {},
	"none":       {},
	"нет":        {},
	"неизвестно": {},
}

// ClassifierOptions — политики подбора категории.
// Значения подбираются на реальных данных, это конфигурация, не константы.
type ClassifierOptions struct {
	TopN             int // Кандидатов из справочника на дефект
	FallbackCap      int // Потолок уверенности при fuzzy-подстановке
	FallbackMinScore int // Минимальный fuzzy-скор для подстановки
}

// GetDefaults возвращает дефолтные значения для незаполненных полей.
func (o ClassifierOptions) GetDefaults() ClassifierOptions {
	if o.TopN <= 0 {
		o.TopN = 10
	}
	if o.FallbackCap <= 0 {
		o.FallbackCap = 50
	}
	if o.FallbackMinScore <= 0 {
		o.FallbackMinScore = 30
	}
	return o
}

// Classifier присваивает дефектам категории справочника.
//
// Для каждого дефекта справочник выдаёт небольшой набор кандидатов,
// финальный выбор делает LLM. Ответ модели валидируется: категория вне
// предложенного набора или типовой не-ответ заменяются ближайшим
// fuzzy-совпадением со сниженной уверенностью.
type Classifier struct {
	tasks *llm.TaskClient
	index *catalog.Index
	cache cache.Store
	opts  ClassifierOptions
}

// NewClassifier создает Classifier с внедрённым кэшом.
func NewClassifier(tasks *llm.TaskClient, index *catalog.Index, store cache.Store, opts ClassifierOptions) *Classifier {
	if store == nil {
		store = cache.NewMemory()
	}
	return &Classifier{
		tasks: tasks,
		index: index,
		cache: store,
		opts:  opts.GetDefaults(),
	}
}

// ClassifyBatch классифицирует пакет дефектов.
//
// Жёсткий инвариант: len(результата) == len(defects), порядок сохранён.
//
// Алгоритм по каждому дефекту:
//  1. пустой текст → сентинел с уверенностью 0, без внешних вызовов
//  2. кэш по контент-хэшу
//  3. кандидаты из справочника + сентинел (безопасный выбор есть всегда)
//  4. батч в LLM, валидация выбора, при невалидном — fuzzy-подстановка
//  5. итог кладётся в кэш
func (c *Classifier) ClassifyBatch(ctx context.Context, defects []string) ([]Classification, error) {
	if len(defects) == 0 {
		return nil, nil
	}

	results := make([]Classification, len(defects))
	var pendingIdx []int
	var pendingItems []llm.ClassifyItem

	for i, defect := range defects {
		if strings.TrimSpace(defect) == "" {
			results[i] = Classification{Category: CategoryUndetermined, Confidence: 0}
			continue
		}

		if cached, ok := c.cacheGet(defect); ok {
			results[i] = cached
			continue
		}

		candidates, err := c.index.FindTopN(defect, c.opts.TopN)
		if err != nil {
			return nil, fmt.Errorf("classify: candidates for defect %d: %w", i, err)
		}
		if !containsString(candidates, CategoryUndetermined) {
			candidates = append(candidates, CategoryUndetermined)
		}

		pendingIdx = append(pendingIdx, i)
		pendingItems = append(pendingItems, llm.ClassifyItem{Defect: defect, Candidates: candidates})
	}

	if len(pendingItems) > 0 {
		utils.Info("classifying via llm", "pending", len(pendingItems), "cached", len(defects)-len(pendingItems))

		llmResults, err := c.tasks.ClassifyDefects(ctx, pendingItems)
		if err != nil {
			return nil, fmt.Errorf("classify batch: %w", err)
		}

		for j, origIdx := range pendingIdx {
			item := pendingItems[j]

			var result Classification
			if j < len(llmResults) {
				result = c.validate(item, llmResults[j])
			} else {
				// ClassifyDefects выравнивает количество, сюда попадаем
				// только при внутреннем рассинхроне
				result = Classification{Category: CategoryUndetermined, Confidence: 0}
				utils.Warn("missing llm classify result", "index", origIdx)
			}

			results[origIdx] = result
			c.cachePut(item.Defect, result)
		}
	}

	return results, nil
}

// CacheSize возвращает число записей в кэше.
func (c *Classifier) CacheSize() int {
	return c.cache.Len()
}

// validate проверяет ответ модели и при необходимости подставляет
// ближайшего кандидата.
//
// Выбор обязан точно совпадать с одним из предложенных кандидатов и не
// быть типовым не-ответом. Иначе ищем лучшее fuzzy-совпадение дефекта
// среди кандидатов (кроме сентинела) двумя метриками по очереди:
// token_set_ratio, затем partial_ratio. Уверенность подстановки режется
// потолком FallbackCap — это догадка, а не ответ модели. Если обе метрики
// ниже FallbackMinScore — сентинел с уверенностью 0 (детерминированная
// политика, без неожиданных дефолтов).
func (c *Classifier) validate(item llm.ClassifyItem, answer llm.ClassifyResult) Classification {
	chosen := strings.TrimSpace(answer.Chosen)

	_, denied := nonAnswers[strings.ToLower(chosen)]
	if !denied && containsString(item.Candidates, chosen) {
		confidence := answer.Confidence
		if chosen == CategoryUndetermined {
			confidence = 0
		}
		return Classification{Category: chosen, Confidence: confidence}
	}

	utils.Warn("llm category not in candidates, fuzzy fallback",
		"chosen", chosen, "defect_len", len(item.Defect))

	valid := make([]string, 0, len(item.Candidates))
	for _, cand := range item.Candidates {
		if cand != CategoryUndetermined {
			valid = append(valid, cand)
		}
	}

	for _, scorer := range []func(string, string) int{tokenSetScore, partialScore} {
		best, score := extractBest(item.Defect, valid, scorer)
		if score >= c.opts.FallbackMinScore {
			confidence := score
			if confidence > c.opts.FallbackCap {
				confidence = c.opts.FallbackCap
			}
			utils.Info("fuzzy fallback selected", "category", best, "score", score)
			return Classification{Category: best, Confidence: confidence}
		}
	}

	utils.Warn("no plausible fuzzy match, undetermined")
	return Classification{Category: CategoryUndetermined, Confidence: 0}
}

func tokenSetScore(a, b string) int {
	return fuzzy.TokenSetRatio(strings.ToLower(a), strings.ToLower(b))
}

func partialScore(a, b string) int {
	return fuzzy.PartialRatio(strings.ToLower(a), strings.ToLower(b))
}

// extractBest возвращает кандидата с максимальным скором. При равных
// скорах побеждает более ранний кандидат — детерминированный tie-break.
func extractBest(query string, candidates []string, scorer func(string, string) int) (string, int) {
	best := ""
	bestScore := -1
	for _, cand := range candidates {
		if score := scorer(query, cand); score > bestScore {
			best = cand
			bestScore = score
		}
	}
	return best, bestScore
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Префикс ключа отделяет записи classify от split в общем хранилище.
func classifyCacheKey(defect string) string {
	return cache.Key("classify:" + defect)
}

func (c *Classifier) cacheGet(defect string) (Classification, bool) {
	raw, ok := c.cache.Get(classifyCacheKey(defect))
	if !ok {
		return Classification{}, false
	}
	var result Classification
	if err := json.Unmarshal([]byte(raw), &result); err != nil || result.Category == "" {
		utils.Warn("corrupt classify cache entry, ignoring", "error", err)
		return Classification{}, false
	}
	return result, true
}

func (c *Classifier) cachePut(defect string, result Classification) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.cache.Set(classifyCacheKey(defect), string(raw)); err != nil {
		utils.Warn("classify cache write failed", "error", err)
	}
}
