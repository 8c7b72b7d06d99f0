package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilkoid/priemka-ai/pkg/cache"
	"github.com/ilkoid/priemka-ai/pkg/catalog"
)

var classifyCategories = []string{
	"Окна и остекление",
	"Двери входные",
	"Стены и перегородки",
	"Полы и напольные покрытия",
	"Сантехника и водоснабжение",
}

func newTestClassifier(p *scriptedProvider, store cache.Store) *Classifier {
	idx := catalog.NewFromCategories(classifyCategories)
	return NewClassifier(newTestTasks(p), idx, store, ClassifierOptions{TopN: 5})
}

// classifyResponse собирает JSON ответа классификации.
func classifyResponse(choices ...[2]any) string {
	out := `{"results": [`
	for i, c := range choices {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf(`{"chosen": %q, "confidence": %v}`, c[0], c[1])
	}
	return out + `]}`
}

func TestClassifyBatch_AcceptsValidChoice(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		classifyResponse([2]any{"Окна и остекление", 90}),
	}}
	c := newTestClassifier(provider, nil)

	got, err := c.ClassifyBatch(context.Background(), []string{"Царапина на стеклопакете окна"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Окна и остекление", got[0].Category)
	assert.Equal(t, 90, got[0].Confidence)
}

func TestClassifyBatch_BlankDefectGetsSentinel(t *testing.T) {
	provider := &scriptedProvider{}
	c := newTestClassifier(provider, nil)

	got, err := c.ClassifyBatch(context.Background(), []string{"", "   "})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, CategoryUndetermined, r.Category)
		assert.Equal(t, 0, r.Confidence)
	}
	assert.Equal(t, 0, provider.callCount, "пустые дефекты не должны ходить в LLM")
}

func TestClassifyBatch_SentinelChoiceForcesZeroConfidence(t *testing.T) {
	// Модель выбрала сентинел с ненулевой уверенностью — уверенность
	// принудительно 0
	provider := &scriptedProvider{responses: []string{
		classifyResponse([2]any{CategoryUndetermined, 80}),
	}}
	c := newTestClassifier(provider, nil)

	got, err := c.ClassifyBatch(context.Background(), []string{"непонятный текст"})
	require.NoError(t, err)
	assert.Equal(t, CategoryUndetermined, got[0].Category)
	assert.Equal(t, 0, got[0].Confidence)
}

func TestClassifyBatch_FuzzyFallbackOnInventedCategory(t *testing.T) {
	// Модель выдумала категорию вне кандидатов — подставляется ближайший
	// кандидат со сниженной уверенностью
	provider := &scriptedProvider{responses: []string{
		classifyResponse([2]any{"Оконные системы премиум", 95}),
	}}
	c := newTestClassifier(provider, nil)

	got, err := c.ClassifyBatch(context.Background(), []string{"Царапина на стеклопакете окна и остекление"})
	require.NoError(t, err)
	assert.Equal(t, "Окна и остекление", got[0].Category)
	assert.LessOrEqual(t, got[0].Confidence, 50, "уверенность подстановки режется потолком")
	assert.Greater(t, got[0].Confidence, 0)
}

func TestClassifyBatch_NonAnswerTriggersFallback(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		classifyResponse([2]any{"Другое", 70}),
	}}
	c := newTestClassifier(provider, nil)

	got, err := c.ClassifyBatch(context.Background(), []string{"Течь смесителя, сантехника и водоснабжение"})
	require.NoError(t, err)
	assert.NotEqual(t, "Другое", got[0].Category)
	assert.Equal(t, "Сантехника и водоснабжение", got[0].Category)
}

func TestClassifyBatch_NoPlausibleMatchGetsSentinel(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		classifyResponse([2]any{"выдумка", 95}),
	}}
	idx := catalog.NewFromCategories(classifyCategories)
	// Заградительный минимальный скор: fuzzy-замена не пройдёт никогда
	c := NewClassifier(newTestTasks(provider), idx, nil, ClassifierOptions{TopN: 5, FallbackMinScore: 101})

	got, err := c.ClassifyBatch(context.Background(), []string{"хзщфыв"})
	require.NoError(t, err)
	assert.Equal(t, CategoryUndetermined, got[0].Category)
	assert.Equal(t, 0, got[0].Confidence)
}

func TestClassifyBatch_CacheAvoidsSecondCall(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		classifyResponse([2]any{"Окна и остекление", 85}),
	}}
	store := cache.NewMemory()
	c := newTestClassifier(provider, store)

	first, err := c.ClassifyBatch(context.Background(), []string{"Царапина на окне"})
	require.NoError(t, err)
	require.Equal(t, 1, provider.callCount)

	second, err := c.ClassifyBatch(context.Background(), []string{"Царапина на окне"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.callCount)
}

func TestClassifyBatch_CandidatesIncludeSentinel(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		classifyResponse([2]any{"Окна и остекление", 85}),
	}}
	c := newTestClassifier(provider, nil)

	_, err := c.ClassifyBatch(context.Background(), []string{"Царапина на окне"})
	require.NoError(t, err)
	assert.Contains(t, provider.lastUser, CategoryUndetermined,
		"сентинел всегда среди кандидатов в промпте")
}

func TestExtractBest_DeterministicTieBreak(t *testing.T) {
	// Идентичные кандидаты дают равный скор — побеждает более ранний
	best, score := extractBest("окно", []string{"первый", "первый", "окно"}, tokenSetScore)
	assert.Equal(t, "окно", best)
	assert.Equal(t, 100, score)

	best, _ = extractBest("совсем другое", []string{"кандидат а", "кандидат а"}, tokenSetScore)
	assert.Equal(t, "кандидат а", best)
}
