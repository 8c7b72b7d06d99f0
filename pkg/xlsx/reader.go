// Package xlsx — адаптер чтения и записи таблиц для пайплайна.
//
// Читает выгрузки с замечаниями в единое представление строк
// (pipeline.Row) и пишет результат с колонками дефекта, категории и
// уверенности. Формат ячеек — строки; пустая ячейка читается как пустая
// строка.
package xlsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ilkoid/priemka-ai/pkg/pipeline"
)

// ErrCommentColumn — во входном файле нет ни valueString, ни valueText.
var ErrCommentColumn = errors.New("xlsx: neither valueString nor valueText column found")

// ReadFile читает xlsx файл в строки пайплайна.
//
// Первая строка листа считается заголовком. Возвращает строки и список
// заголовков в исходном порядке (порядок колонок переживает обработку).
// Полностью пустые строки пропускаются.
func ReadFile(path string) ([]pipeline.Row, []string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("xlsx: file not found: %s", path)
	}
	if strings.ToLower(filepath.Ext(path)) != ".xlsx" {
		return nil, nil, fmt.Errorf("xlsx: invalid file format: %s", filepath.Ext(path))
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("xlsx: open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("xlsx: no sheets in %s", path)
	}

	rawRows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("xlsx: read rows: %w", err)
	}
	if len(rawRows) == 0 {
		return nil, nil, nil
	}

	headers := make([]string, len(rawRows[0]))
	for i, h := range rawRows[0] {
		headers[i] = strings.TrimSpace(h)
	}

	hasComment := false
	for _, h := range headers {
		switch strings.ToUpper(h) {
		case "VALUESTRING", "VALUETEXT":
			hasComment = true
		}
	}
	if !hasComment {
		return nil, nil, ErrCommentColumn
	}

	var rows []pipeline.Row
	for _, raw := range rawRows[1:] {
		empty := true
		for _, cell := range raw {
			if strings.TrimSpace(cell) != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}

		row := make(pipeline.Row, len(headers))
		for i, header := range headers {
			if header == "" {
				continue
			}
			if i < len(raw) {
				row[header] = raw[i]
			} else {
				row[header] = ""
			}
		}
		rows = append(rows, row)
	}

	return rows, headers, nil
}
