package server

import (
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/xuri/excelize/v2"

	"github.com/ilkoid/priemka-ai/pkg/jobs"
)

// Лимиты аналитики: фронту не нужны полные данные, только срез.
const (
	analyticsTopCategories = 20
	analyticsMaxValues     = 50
	analyticsMaxRows       = 500
)

// categoryCount — одна позиция распределения категорий.
type categoryCount struct {
	Category   string  `json:"category"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// analyticsResponse — ответ GET /api/jobs/{jobID}/analytics.
type analyticsResponse struct {
	TotalRows            int                 `json:"total_rows"`
	TotalCategories      int                 `json:"total_categories"`
	Headers              []string            `json:"headers"`
	CategoryColumn       string              `json:"category_column"`
	CategoryDistribution []categoryCount     `json:"category_distribution"`
	ColumnValues         map[string][]string `json:"column_values"`
	Data                 []map[string]string `json:"data"`
}

// handleJobAnalytics читает результат завершенной задачи и считает
// распределение категорий и уникальные значения колонок для фильтров.
func (s *Server) handleJobAnalytics(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		renderError(w, r, http.StatusNotFound, "Задача не найдена")
		return
	}
	if job.Status != jobs.StatusCompleted {
		renderError(w, r, http.StatusBadRequest, "Задача еще не завершена")
		return
	}
	if job.OutputFile == "" {
		renderError(w, r, http.StatusNotFound, "Файл результата не найден")
		return
	}
	if _, err := os.Stat(job.OutputFile); err != nil {
		renderError(w, r, http.StatusNotFound, "Файл результата не найден")
		return
	}

	resp, err := buildAnalytics(job.OutputFile)
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "Не удалось прочитать результат: "+err.Error())
		return
	}

	render.JSON(w, r, resp)
}

func buildAnalytics(path string) (*analyticsResponse, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	allRows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}

	resp := &analyticsResponse{
		Headers:              []string{},
		CategoryDistribution: []categoryCount{},
		ColumnValues:         map[string][]string{},
		Data:                 []map[string]string{},
	}
	if len(allRows) == 0 {
		return resp, nil
	}

	for _, h := range allRows[0] {
		if strings.TrimSpace(h) != "" {
			resp.Headers = append(resp.Headers, strings.TrimSpace(h))
		}
	}

	// Колонка категорий ищется по вхождению, чтобы пережить переименования
	for _, h := range resp.Headers {
		if strings.Contains(strings.ToLower(h), "категория") {
			resp.CategoryColumn = h
			break
		}
	}

	var rows []map[string]string
	for _, raw := range allRows[1:] {
		row := map[string]string{}
		empty := true
		for i, h := range resp.Headers {
			v := ""
			if i < len(raw) {
				v = strings.TrimSpace(raw[i])
			}
			row[h] = v
			if v != "" {
				empty = false
			}
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	resp.TotalRows = len(rows)

	if resp.CategoryColumn != "" {
		counts := map[string]int{}
		total := 0
		for _, row := range rows {
			if v := row[resp.CategoryColumn]; v != "" {
				counts[v]++
				total++
			}
		}
		resp.TotalCategories = len(counts)

		dist := make([]categoryCount, 0, len(counts))
		for cat, n := range counts {
			pct := 0.0
			if total > 0 {
				pct = float64(n) / float64(total) * 100
			}
			dist = append(dist, categoryCount{Category: cat, Count: n, Percentage: roundTenth(pct)})
		}
		sort.Slice(dist, func(i, j int) bool {
			if dist[i].Count != dist[j].Count {
				return dist[i].Count > dist[j].Count
			}
			return dist[i].Category < dist[j].Category
		})
		if len(dist) > analyticsTopCategories {
			dist = dist[:analyticsTopCategories]
		}
		resp.CategoryDistribution = dist
	}

	for _, h := range resp.Headers {
		seen := map[string]bool{}
		var values []string
		for _, row := range rows {
			if v := row[h]; v != "" && !seen[v] {
				seen[v] = true
				values = append(values, v)
			}
		}
		sort.Strings(values)
		if len(values) > analyticsMaxValues {
			values = values[:analyticsMaxValues]
		}
		resp.ColumnValues[h] = values
	}

	if len(rows) > analyticsMaxRows {
		rows = rows[:analyticsMaxRows]
	}
	if rows != nil {
		resp.Data = rows
	}

	return resp, nil
}

func roundTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
