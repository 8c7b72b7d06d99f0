// Package pipeline реализует ядро обработки: разбиение комментариев на
// дефекты, размножение строк и классификацию по справочнику.
//
// Поток данных:
//
//	rows → comments → Splitter.SplitBatch → defectsPerRow →
//	ExpandRows → ExpandedRow* → Classifier.ClassifyBatch → категории
//
// Все батчевые операции сохраняют порядок и количество входа — результаты
// сшиваются со строками позиционно, нарушение выравнивания портит выгрузку.
package pipeline

import "strings"

// Имена служебных колонок выходного файла.
const (
	DefectColumn     = "Дефект"
	CategoryColumn   = "Категория дефекта"
	ConfidenceColumn = "Уверенность ИИ"
)

// Row — одна строка таблицы: имя колонки → значение ячейки.
// Пустая строка означает пустую ячейку. Порядок колонок хранится отдельно
// (список заголовков), неизвестные колонки проходят насквозь без изменений.
type Row map[string]string

// Clone возвращает независимую копию строки.
func (r Row) Clone() Row {
	out := make(Row, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Comment извлекает текст замечания из строки.
//
// Комментарий собирается из колонок valueString и valueText (имена
// сверяются без учёта регистра, одним проходом по ключам), через пробел
// если заполнены обе.
func (r Row) Comment() string {
	var valueString, valueText string
	for k, v := range r {
		switch strings.ToUpper(k) {
		case "VALUESTRING":
			valueString = v
		case "VALUETEXT":
			valueText = v
		}
	}

	switch {
	case valueString != "" && valueText != "":
		return valueString + " " + valueText
	case valueString != "":
		return valueString
	default:
		return valueText
	}
}

// Classification — категория с уверенностью для одного дефекта.
type Classification struct {
	Category   string
	Confidence int // 0-100, 0 у сентинела "НЕ ОПРЕДЕЛЕНО"
}

// ExpandedRow — строка после размножения: копия исходных колонок плюс
// один конкретный дефект. Категория присваивается классификатором один
// раз, после этого строка не меняется.
type ExpandedRow struct {
	Original   Row
	DefectText string
	Category   string
	Confidence int
}
