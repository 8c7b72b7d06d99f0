package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilkoid/priemka-ai/pkg/catalog"
	"github.com/ilkoid/priemka-ai/pkg/llm"
)

// routedProvider различает задачи по системному промпту и отдаёт
// заготовленные ответы раздельно для разбиения и классификации.
type routedProvider struct {
	split    *scriptedProvider
	classify *scriptedProvider
}

func (p *routedProvider) Chat(ctx context.Context, req llm.ChatRequest) (string, error) {
	system := req.Messages[0].Content
	if strings.Contains(system, "разделить") {
		return p.split.Chat(ctx, req)
	}
	return p.classify.Chat(ctx, req)
}

func newTestPipeline(p llm.Provider, keepUnsplit bool, progress ProgressFunc) *Pipeline {
	tasks := newTestTasks(p)
	splitter := NewSplitter(tasks, nil)
	classifier := NewClassifier(tasks, catalog.NewFromCategories(classifyCategories), nil, ClassifierOptions{TopN: 5})
	return New(splitter, classifier, keepUnsplit, progress)
}

func TestPipelineRun_EndToEnd(t *testing.T) {
	provider := &routedProvider{
		// Комментарий "нет замечаний" распознаётся локально и в батч
		// не попадает, поэтому ответ содержит один результат
		split: &scriptedProvider{responses: []string{
			splitResponse(
				[]string{"Царапина на стеклопакете окна", "Скол на полу"},
			),
		}},
		classify: &scriptedProvider{responses: []string{
			classifyResponse(
				[2]any{"Окна и остекление", 92},
				[2]any{"Полы и напольные покрытия", 88},
			),
		}},
	}
	p := newTestPipeline(provider, false, nil)

	rows := []Row{
		{"id": "1", "valueText": "1. Царапина на стеклопакете окна 2. Скол на полу"},
		{"id": "2", "valueText": "нет замечаний"},
	}

	got, err := p.Run(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, got, 2, "строка без дефектов выпадает, строка с двумя размножается")

	assert.Equal(t, "Царапина на стеклопакете окна", got[0].DefectText)
	assert.Equal(t, "Окна и остекление", got[0].Category)
	assert.Equal(t, 92, got[0].Confidence)

	assert.Equal(t, "Скол на полу", got[1].DefectText)
	assert.Equal(t, "Полы и напольные покрытия", got[1].Category)
	assert.Equal(t, 88, got[1].Confidence)

	assert.Equal(t, "1", got[0].Original["id"])
	assert.Equal(t, "1", got[1].Original["id"])
}

func TestPipelineRun_ProgressSequence(t *testing.T) {
	provider := &routedProvider{
		split: &scriptedProvider{responses: []string{
			splitResponse([]string{"Трещина в стене"}),
		}},
		classify: &scriptedProvider{responses: []string{
			classifyResponse([2]any{"Стены и перегородки", 80}),
		}},
	}

	type event struct {
		stage   string
		percent int
	}
	var events []event
	p := newTestPipeline(provider, false, func(stage string, percent int) {
		events = append(events, event{stage, percent})
	})

	_, err := p.Run(context.Background(), []Row{{"valueText": "Трещина в стене"}})
	require.NoError(t, err)

	want := []event{
		{StageSplitting, 10},
		{StageSplitting, 40},
		{StageClassifying, 50},
		{StageClassifying, 90},
	}
	assert.Equal(t, want, events)
}

func TestPipelineRun_KeepUnsplit(t *testing.T) {
	// LLM не нашла дефектов в непустом комментарии — при keepUnsplit
	// исходный текст идёт в выход одной строкой
	provider := &routedProvider{
		split: &scriptedProvider{responses: []string{
			splitResponse(nil),
		}},
		classify: &scriptedProvider{responses: []string{
			classifyResponse([2]any{"Стены и перегородки", 60}),
		}},
	}
	p := newTestPipeline(provider, true, nil)

	got, err := p.Run(context.Background(), []Row{{"valueText": "Неровность стены в комнате"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Неровность стены в комнате", got[0].DefectText)
	assert.Equal(t, "Стены и перегородки", got[0].Category)
}

func TestPipelineRun_KeepUnsplitIgnoresEmpty(t *testing.T) {
	provider := &routedProvider{
		split:    &scriptedProvider{},
		classify: &scriptedProvider{},
	}
	p := newTestPipeline(provider, true, nil)

	got, err := p.Run(context.Background(), []Row{
		{"valueText": ""},
		{"valueText": "нет замечаний"},
	})
	require.NoError(t, err)
	assert.Empty(t, got, "пустые комментарии не реанимируются")
	assert.Equal(t, 0, provider.split.callCount)
	assert.Equal(t, 0, provider.classify.callCount)
}

func TestPipelineRun_NoRows(t *testing.T) {
	p := newTestPipeline(&routedProvider{split: &scriptedProvider{}, classify: &scriptedProvider{}}, false, nil)
	got, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
