package xlsx

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/ilkoid/priemka-ai/pkg/pipeline"
)

// WriteResult пишет размноженные и классифицированные строки в xlsx.
//
// Порядок колонок: исходные заголовки, затем "Дефект", "Категория дефекта"
// и "Уверенность ИИ" (каждая добавляется только если её не было среди
// исходных). Родительская директория создаётся при необходимости.
func WriteResult(rows []pipeline.ExpandedRow, outputPath string, originalHeaders []string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("xlsx: create output dir: %w", err)
	}

	headers := buildHeaders(rows, originalHeaders)

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("xlsx: header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("xlsx: write header: %w", err)
		}
	}

	for rowIdx, expanded := range rows {
		for col, header := range headers {
			var value string
			switch header {
			case pipeline.CategoryColumn:
				value = expanded.Category
			case pipeline.ConfidenceColumn:
				value = strconv.Itoa(expanded.Confidence)
			default:
				value = expanded.Original[header]
			}

			if value == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, rowIdx+2)
			if err != nil {
				return fmt.Errorf("xlsx: data cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("xlsx: write cell: %w", err)
			}
		}
	}

	if err := f.SaveAs(outputPath); err != nil {
		return fmt.Errorf("xlsx: save %s: %w", outputPath, err)
	}
	return nil
}

func buildHeaders(rows []pipeline.ExpandedRow, originalHeaders []string) []string {
	var headers []string
	if len(originalHeaders) > 0 {
		headers = append(headers, originalHeaders...)
	} else if len(rows) > 0 {
		// Без исходного порядка берём колонки первой строки как есть
		for key := range rows[0].Original {
			headers = append(headers, key)
		}
	}

	for _, extra := range []string{pipeline.DefectColumn, pipeline.CategoryColumn, pipeline.ConfidenceColumn} {
		if !containsHeader(headers, extra) {
			headers = append(headers, extra)
		}
	}
	return headers
}

func containsHeader(headers []string, h string) bool {
	for _, v := range headers {
		if v == h {
			return true
		}
	}
	return false
}

// ResultPath возвращает путь результата по соглашению
// results/{job_id}_processed.xlsx.
func ResultPath(jobID, resultsDir string) string {
	return filepath.Join(resultsDir, jobID+"_processed.xlsx")
}
