package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// Ошибки задач. Вызывающий код различает сбой API и сбой разбора ответа:
// первый имеет смысл ретраить, второй — чаще всего нет.
var (
	// ErrParse — ответ модели не удалось привести к ожидаемой JSON-схеме
	// даже после ремонта.
	ErrParse = errors.New("llm: response parse failed")
)

// SplitResult — дефекты одного комментария.
type SplitResult struct {
	Defects []string
}

// ClassifyItem — один дефект с кандидатами для классификации.
type ClassifyItem struct {
	Defect     string
	Candidates []string
}

// ClassifyResult — ответ модели на один дефект.
type ClassifyResult struct {
	Chosen     string
	Confidence int // 0-100
}

// TaskClient — адаптер двух фиксированных задач пайплайна поверх Provider:
// разбиение комментариев на дефекты и выбор категории из кандидатов.
//
// Формирует промпты, режет вход на батчи, разбирает и чинит JSON ответа.
// Батчи ограничены по размеру: слишком длинный запрос заметно снижает
// точность модели и упирается в лимит длины ответа.
type TaskClient struct {
	provider          Provider
	model             string
	temperature       float64
	splitBatchSize    int
	classifyBatchSize int
	classifyWorkers   int
}

// NewTaskClient создает адаптер задач.
//
// splitBatch/classifyBatch/workers ≤ 0 заменяются на безопасные дефолты.
func NewTaskClient(provider Provider, model string, temperature float64, splitBatch, classifyBatch, workers int) *TaskClient {
	if splitBatch <= 0 {
		splitBatch = 30
	}
	if classifyBatch <= 0 {
		classifyBatch = 50
	}
	if workers <= 0 {
		workers = 1
	}
	return &TaskClient{
		provider:          provider,
		model:             model,
		temperature:       temperature,
		splitBatchSize:    splitBatch,
		classifyBatchSize: classifyBatch,
		classifyWorkers:   workers,
	}
}

// SplitComments разбивает комментарии на отдельные дефекты через LLM.
//
// Гарантия: len(результата) == len(comments), порядок сохранён.
// Нехватка элементов в ответе модели добивается пустыми SplitResult
// с предупреждением в лог, лишние элементы отбрасываются.
func (c *TaskClient) SplitComments(ctx context.Context, comments []string) ([]SplitResult, error) {
	if len(comments) == 0 {
		return nil, nil
	}

	all := make([]SplitResult, 0, len(comments))
	totalBatches := (len(comments) + c.splitBatchSize - 1) / c.splitBatchSize

	for i := 0; i < len(comments); i += c.splitBatchSize {
		end := i + c.splitBatchSize
		if end > len(comments) {
			end = len(comments)
		}
		batch := comments[i:end]
		batchNum := i/c.splitBatchSize + 1

		utils.Info("split batch request", "batch", batchNum, "total", totalBatches, "size", len(batch))

		raw, err := c.provider.Chat(ctx, ChatRequest{
			Model:       c.model,
			Temperature: c.temperature,
			Format:      FormatJSON,
			Messages:    buildSplitPrompt(batch),
		})
		if err != nil {
			return nil, fmt.Errorf("split batch %d/%d: %w", batchNum, totalBatches, err)
		}

		results, err := parseSplitResponse(raw, len(batch))
		if err != nil {
			return nil, fmt.Errorf("split batch %d/%d: %w", batchNum, totalBatches, err)
		}
		all = append(all, results...)
	}

	return all, nil
}

// ClassifyDefects выбирает категорию для каждого дефекта из его кандидатов.
//
// Батчи классификации независимы, поэтому отправляются параллельно
// (не больше classifyWorkers одновременно). Результат собирается в заранее
// выделенный буфер по смещению батча — порядок входа сохраняется независимо
// от порядка завершения горутин.
func (c *TaskClient) ClassifyDefects(ctx context.Context, items []ClassifyItem) ([]ClassifyResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	type batchSpec struct {
		offset int
		items  []ClassifyItem
	}

	var batches []batchSpec
	for i := 0; i < len(items); i += c.classifyBatchSize {
		end := i + c.classifyBatchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, batchSpec{offset: i, items: items[i:end]})
	}

	results := make([]ClassifyResult, len(items))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, c.classifyWorkers)

	for bi, b := range batches {
		wg.Add(1)
		go func(num int, spec batchSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// Не начинаем новые батчи после первой ошибки
			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed {
				return
			}

			utils.Info("classify batch request", "batch", num+1, "total", len(batches), "size", len(spec.items))

			raw, err := c.provider.Chat(ctx, ChatRequest{
				Model:       c.model,
				Temperature: c.temperature,
				Format:      FormatJSON,
				Messages:    buildClassifyPrompt(spec.items),
			})
			if err == nil {
				var parsed []ClassifyResult
				parsed, err = parseClassifyResponse(raw, len(spec.items))
				if err == nil {
					copy(results[spec.offset:spec.offset+len(spec.items)], parsed)
					return
				}
			}

			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("classify batch %d/%d: %w", num+1, len(batches), err)
			}
			mu.Unlock()
		}(bi, b)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// --- Промпты ---

const splitSystemPrompt = `Ты - эксперт по анализу комментариев о дефектах при приёмке квартир.
Твоя задача - разделить каждый комментарий на отдельные дефекты.

Правила:
1. Каждый отдельный дефект должен быть выделен как отдельный элемент
2. Если комментарий пустой или содержит "нет замечаний" - верни пустой список дефектов
3. Сохраняй оригинальный текст дефекта без изменений
4. Если в комментарии один дефект - верни список с одним элементом

Формат ответа (JSON):
{
  "results": [
    {"defects": [{"text": "текст дефекта 1"}, {"text": "текст дефекта 2"}]},
    {"defects": [{"text": "единственный дефект"}]},
    {"defects": []}
  ]
}

Количество элементов в results должно соответствовать количеству входных комментариев.`

const classifySystemPrompt = `Ты - эксперт по классификации дефектов.
Твоя задача - выбрать наиболее подходящую категорию для каждого дефекта из списка кандидатов.

Правила:
1. Выбирай ТОЛЬКО из предложенных кандидатов
2. Выбирай категорию, которая наиболее точно описывает дефект
3. Если ни одна категория не подходит идеально, выбери наиболее близкую
4. Для каждого выбора укажи уверенность в процентах (0-100)

Формат ответа (JSON):
{
  "results": [
    {"chosen": "выбранная категория 1", "confidence": 90},
    {"chosen": "выбранная категория 2", "confidence": 75}
  ]
}

Количество элементов в results должно соответствовать количеству входных дефектов.`

func buildSplitPrompt(comments []string) []Message {
	var sb strings.Builder
	for i, comment := range comments {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, comment)
	}

	user := fmt.Sprintf("Разделите следующие комментарии на отдельные дефекты:\n\n%s\nВерните JSON с результатами для каждого комментария.", sb.String())

	return []Message{
		{Role: RoleSystem, Content: splitSystemPrompt},
		{Role: RoleUser, Content: user},
	}
}

func buildClassifyPrompt(items []ClassifyItem) []Message {
	var sb strings.Builder
	for i, item := range items {
		fmt.Fprintf(&sb, "%d. Дефект: %s\n   Кандидаты: %s\n", i+1, item.Defect, strings.Join(item.Candidates, ", "))
	}

	user := fmt.Sprintf("Классифицируйте следующие дефекты, выбрав категорию из списка кандидатов:\n\n%s\nВерните JSON с выбранной категорией и уверенностью для каждого дефекта.", sb.String())

	return []Message{
		{Role: RoleSystem, Content: classifySystemPrompt},
		{Role: RoleUser, Content: user},
	}
}

// --- Разбор ответов ---

type splitWire struct {
	Results []struct {
		Defects []struct {
			Text string `json:"text"`
		} `json:"defects"`
	} `json:"results"`
}

type classifyWire struct {
	Results []struct {
		Chosen     string `json:"chosen"`
		Confidence int    `json:"confidence"`
	} `json:"results"`
}

// decodePayload приводит сырой текст модели к JSON-объекту.
//
// Цепочка: markdown-обёртка → извлечение сбалансированного объекта →
// прямой Unmarshal → ремонт (висячие запятые, управляющие символы) →
// повторный Unmarshal. Если не получилось — ErrParse.
func decodePayload(raw string, dest any) error {
	cleaned := utils.CleanJsonBlock(raw)
	payload := utils.ExtractJSON(cleaned)
	if payload == "" {
		return fmt.Errorf("%w: no JSON object in response", ErrParse)
	}

	if err := json.Unmarshal([]byte(payload), dest); err == nil {
		return nil
	}

	repaired := utils.RepairJSON(payload)
	if err := json.Unmarshal([]byte(repaired), dest); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}

	utils.Warn("llm response needed JSON repair", "raw_len", len(raw))
	return nil
}

func parseSplitResponse(raw string, expected int) ([]SplitResult, error) {
	var wire splitWire
	if err := decodePayload(raw, &wire); err != nil {
		return nil, err
	}

	if len(wire.Results) != expected {
		utils.Warn("split result count mismatch, padding",
			"expected", expected, "got", len(wire.Results))
	}

	results := make([]SplitResult, expected)
	for i := 0; i < expected && i < len(wire.Results); i++ {
		for _, d := range wire.Results[i].Defects {
			text := strings.TrimSpace(d.Text)
			if text == "" {
				continue
			}
			results[i].Defects = append(results[i].Defects, text)
		}
	}
	// Недостающие позиции остаются пустыми SplitResult — выравнивание
	// по количеству важнее полноты, локальный fallback доделает
	return results, nil
}

func parseClassifyResponse(raw string, expected int) ([]ClassifyResult, error) {
	var wire classifyWire
	if err := decodePayload(raw, &wire); err != nil {
		return nil, err
	}

	if len(wire.Results) != expected {
		utils.Warn("classify result count mismatch, padding",
			"expected", expected, "got", len(wire.Results))
	}

	results := make([]ClassifyResult, expected)
	for i := range results {
		if i < len(wire.Results) {
			conf := wire.Results[i].Confidence
			if conf < 0 {
				conf = 0
			}
			if conf > 100 {
				conf = 100
			}
			results[i] = ClassifyResult{
				Chosen:     strings.TrimSpace(wire.Results[i].Chosen),
				Confidence: conf,
			}
		}
		// Недостающие позиции остаются {Chosen: "", Confidence: 0} —
		// классификатор трактует пустой выбор как невалидный ответ
	}
	return results, nil
}
