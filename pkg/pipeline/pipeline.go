package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// Стадии обработки — отдаются в progress-хук и в статус задачи.
const (
	StageSplitting   = "splitting"
	StageClassifying = "classifying"
)

// ProgressFunc — необязательный хук прогресса (стадия, процент 0-100).
// Вызывается после каждой крупной фазы. На корректность не влияет.
type ProgressFunc func(stage string, percent int)

// Pipeline связывает разбиение, размножение строк и классификацию.
//
// Создаётся на один запуск или на процесс — кэши принадлежат внедрённым
// Splitter/Classifier, глобального состояния нет.
type Pipeline struct {
	splitter    *Splitter
	classifier  *Classifier
	keepUnsplit bool
	progress    ProgressFunc
}

// New создает пайплайн.
//
// keepUnsplit: строка, по которой LLM не нашла ни одного дефекта, но
// исходный текст замечанием является — попадает в выход одной строкой
// с исходным текстом в роли дефекта, чтобы данные не терялись молча.
func New(splitter *Splitter, classifier *Classifier, keepUnsplit bool, progress ProgressFunc) *Pipeline {
	return &Pipeline{
		splitter:    splitter,
		classifier:  classifier,
		keepUnsplit: keepUnsplit,
		progress:    progress,
	}
}

// Run прогоняет строки через полный пайплайн:
// комментарии → дефекты → размноженные строки → категории.
func (p *Pipeline) Run(ctx context.Context, rows []Row) ([]ExpandedRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	comments := make([]string, len(rows))
	for i, row := range rows {
		comments[i] = row.Comment()
	}

	p.report(StageSplitting, 10)
	utils.Info("pipeline: splitting", "rows", len(rows))

	defectsPerRow, err := p.splitter.SplitBatch(ctx, comments)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if len(defectsPerRow) != len(rows) {
		// Защитная проверка: SplitBatch обязан вернуть столько же
		return nil, fmt.Errorf("pipeline: alignment violation after split: %d != %d",
			len(defectsPerRow), len(rows))
	}

	if p.keepUnsplit {
		for i, defects := range defectsPerRow {
			if len(defects) == 0 && !p.splitter.IsEmpty(comments[i]) {
				defectsPerRow[i] = []string{strings.TrimSpace(comments[i])}
			}
		}
	}

	totalDefects := 0
	for _, d := range defectsPerRow {
		totalDefects += len(d)
	}
	utils.Info("pipeline: split complete", "defects", totalDefects)
	p.report(StageSplitting, 40)

	expanded, err := ExpandRows(rows, defectsPerRow)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.report(StageClassifying, 50)

	if len(expanded) > 0 {
		texts := make([]string, len(expanded))
		for i, row := range expanded {
			texts[i] = row.DefectText
		}

		classifications, err := p.classifier.ClassifyBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		if len(classifications) != len(expanded) {
			return nil, fmt.Errorf("pipeline: alignment violation after classify: %d != %d",
				len(classifications), len(expanded))
		}

		for i := range expanded {
			expanded[i].Category = classifications[i].Category
			expanded[i].Confidence = classifications[i].Confidence
		}
	}

	utils.Info("pipeline: classification complete", "rows", len(expanded))
	p.report(StageClassifying, 90)

	return expanded, nil
}

func (p *Pipeline) report(stage string, percent int) {
	if p.progress != nil {
		p.progress(stage, percent)
	}
}
