package pipeline

import (
	"fmt"
	"strings"
)

// ExpandRows размножает строки по дефектам.
//
// Для строки с N дефектами создаётся N выходных строк: копия всех исходных
// колонок, колонка "Дефект" с текстом конкретного дефекта, а valueText
// перезаписывается этим же текстом — в каждой строке остаётся только её
// дефект, не весь исходный комментарий. Строки без дефектов выбрасываются
// (политику fallback на исходный текст применяет пайплайн до расширения).
//
// Инвариант сохранения: sum(len(defectsPerRow[i])) выходных строк.
// Расхождение длин входов — ошибка выравнивания, признак бага выше по
// потоку, а не данных.
func ExpandRows(rows []Row, defectsPerRow [][]string) ([]ExpandedRow, error) {
	if len(rows) != len(defectsPerRow) {
		return nil, fmt.Errorf("expand: alignment violation: %d rows but %d defect lists",
			len(rows), len(defectsPerRow))
	}

	var expanded []ExpandedRow

	for i, row := range rows {
		for _, defectText := range defectsPerRow[i] {
			data := row.Clone()

			for key := range data {
				if strings.ToUpper(key) == "VALUETEXT" {
					data[key] = defectText
				}
			}
			data[DefectColumn] = defectText

			expanded = append(expanded, ExpandedRow{
				Original:   data,
				DefectText: defectText,
			})
		}
	}

	return expanded, nil
}
