package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider — мок LLM провайдера для детерминированного тестирования.
type mockProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	callCount int
	requests  []ChatRequest
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", errors.New("unexpected call: no more responses")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func TestSplitComments_ParsesResponse(t *testing.T) {
	provider := &mockProvider{responses: []string{
		`{"results": [
			{"defects": [{"text": "Трещина в стене"}, {"text": "Скол плитки"}]},
			{"defects": []}
		]}`,
	}}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 1)

	results, err := client.SplitComments(context.Background(), []string{
		"1. Трещина в стене 2. Скол плитки",
		"нет замечаний",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []string{"Трещина в стене", "Скол плитки"}, results[0].Defects)
	assert.Empty(t, results[1].Defects)
	assert.Equal(t, 1, provider.callCount)
	assert.Equal(t, FormatJSON, provider.requests[0].Format)
}

func TestSplitComments_MarkdownWrappedResponse(t *testing.T) {
	// Модель оборачивает JSON в markdown и добавляет рассуждения
	provider := &mockProvider{responses: []string{
		"Вот результат:\n```json\n{\"results\": [{\"defects\": [{\"text\": \"Царапина на раме\"}]}]}\n```\nГотово.",
	}}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 1)

	results, err := client.SplitComments(context.Background(), []string{"Царапина на раме"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"Царапина на раме"}, results[0].Defects)
}

func TestSplitComments_PadsShortResponse(t *testing.T) {
	// Модель вернула меньше результатов, чем комментариев — выравнивание
	// по количеству входа обязано сохраниться
	provider := &mockProvider{responses: []string{
		`{"results": [{"defects": [{"text": "Единственный дефект"}]}]}`,
	}}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 1)

	results, err := client.SplitComments(context.Background(), []string{"первый", "второй", "третий"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"Единственный дефект"}, results[0].Defects)
	assert.Empty(t, results[1].Defects)
	assert.Empty(t, results[2].Defects)
}

func TestSplitComments_Batching(t *testing.T) {
	provider := &mockProvider{responses: []string{
		`{"results": [{"defects": []}, {"defects": []}]}`,
		`{"results": [{"defects": []}]}`,
	}}
	client := NewTaskClient(provider, "test-model", 0.1, 2, 50, 1)

	results, err := client.SplitComments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 2, provider.callCount)
}

func TestSplitComments_ParseError(t *testing.T) {
	provider := &mockProvider{responses: []string{"модель ушла в рассуждения без JSON"}}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 1)

	_, err := client.SplitComments(context.Background(), []string{"комментарий"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
}

func TestSplitComments_RepairsBrokenJSON(t *testing.T) {
	// Висячая запятая — типовой дефект вывода LLM, чинится ремонтом
	provider := &mockProvider{responses: []string{
		`{"results": [{"defects": [{"text": "Зазор в стыке"},]},]}`,
	}}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 1)

	results, err := client.SplitComments(context.Background(), []string{"Зазор в стыке"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Зазор в стыке"}, results[0].Defects)
}

func TestClassifyDefects_OrderAndCount(t *testing.T) {
	provider := &mockProvider{responses: []string{
		`{"results": [
			{"chosen": "Окна", "confidence": 90},
			{"chosen": "Стены", "confidence": 80}
		]}`,
	}}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 2)

	results, err := client.ClassifyDefects(context.Background(), []ClassifyItem{
		{Defect: "Царапина на стеклопакете", Candidates: []string{"Окна", "Двери"}},
		{Defect: "Трещина в штукатурке", Candidates: []string{"Стены", "Потолок"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Окна", results[0].Chosen)
	assert.Equal(t, 90, results[0].Confidence)
	assert.Equal(t, "Стены", results[1].Chosen)
}

func TestClassifyDefects_ClampsConfidence(t *testing.T) {
	provider := &mockProvider{responses: []string{
		`{"results": [
			{"chosen": "Окна", "confidence": 150},
			{"chosen": "Стены", "confidence": -5}
		]}`,
	}}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 1)

	results, err := client.ClassifyDefects(context.Background(), []ClassifyItem{
		{Defect: "a", Candidates: []string{"Окна"}},
		{Defect: "b", Candidates: []string{"Стены"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 100, results[0].Confidence)
	assert.Equal(t, 0, results[1].Confidence)
}

func TestClassifyDefects_ConcurrentBatchesKeepOrder(t *testing.T) {
	// Четыре батча по одному элементу, три воркера: результаты обязаны
	// лечь по смещениям входа независимо от порядка завершения
	provider := &orderedMock{}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 1, 3)

	items := make([]ClassifyItem, 4)
	for i := range items {
		items[i] = ClassifyItem{
			Defect:     fmt.Sprintf("дефект-%d", i),
			Candidates: []string{fmt.Sprintf("категория-%d", i)},
		}
	}

	results, err := client.ClassifyDefects(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("категория-%d", i), r.Chosen, "позиция %d", i)
	}
}

// orderedMock отвечает кандидатом из самого запроса — так проверяется
// соответствие ответа своему батчу при параллельной отправке.
type orderedMock struct{}

func (m *orderedMock) Chat(_ context.Context, req ChatRequest) (string, error) {
	// Извлекаем номер дефекта из текста запроса
	user := req.Messages[len(req.Messages)-1].Content
	for i := 0; i < 10; i++ {
		if strings.Contains(user, fmt.Sprintf("дефект-%d", i)) {
			return fmt.Sprintf(`{"results": [{"chosen": "категория-%d", "confidence": 90}]}`, i), nil
		}
	}
	return "", errors.New("unknown defect in prompt")
}

func TestClassifyDefects_ProviderError(t *testing.T) {
	provider := &mockProvider{err: errors.New("api down")}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 1)

	_, err := client.ClassifyDefects(context.Background(), []ClassifyItem{
		{Defect: "a", Candidates: []string{"Окна"}},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrParse)
}

func TestEmptyInputsShortCircuit(t *testing.T) {
	provider := &mockProvider{}
	client := NewTaskClient(provider, "test-model", 0.1, 30, 50, 1)

	splitRes, err := client.SplitComments(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, splitRes)

	classifyRes, err := client.ClassifyDefects(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, classifyRes)
	assert.Equal(t, 0, provider.callCount)
}
