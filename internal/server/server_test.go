package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ilkoid/priemka-ai/pkg/catalog"
	"github.com/ilkoid/priemka-ai/pkg/config"
	"github.com/ilkoid/priemka-ai/pkg/jobs"
)

func newTestServer(t *testing.T) (*Server, jobs.Store) {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.AppConfig{
		Paths: config.PathsConfig{
			UploadsDir: filepath.Join(tmp, "uploads"),
			ResultsDir: filepath.Join(tmp, "results"),
		},
		Server: config.ServerConfig{MaxUploadSize: 5 * 1024 * 1024},
	}
	store := jobs.NewMemory()
	index := catalog.NewFromCategories([]string{"Окна и остекление", "Стены и перегородки"})
	return New(cfg, store, index, nil, nil, nil), store
}

func writeResultFile(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, value))
		}
	}
	require.NoError(t, f.SaveAs(path))
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func xlsxBytes(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, value))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.CatalogLoaded)
	assert.Equal(t, 2, resp.CatalogSize)
}

func TestJobStatus_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/нет-такой", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatus_CompletedHasDownloadURL(t *testing.T) {
	s, store := newTestServer(t)

	job := jobs.NewJob("in.xlsx")
	job.Status = jobs.StatusCompleted
	job.Progress = 100
	job.OutputFile = "results/out.xlsx"
	require.NoError(t, store.Save(context.Background(), job))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp jobStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobs.StatusCompleted, resp.Status)
	assert.Equal(t, 100, resp.Progress)
	assert.Equal(t, "/api/jobs/"+job.ID+"/download", resp.DownloadURL)
}

func TestJobDownload_NotCompleted(t *testing.T) {
	s, store := newTestServer(t)

	job := jobs.NewJob("in.xlsx")
	job.Status = jobs.StatusSplitting
	require.NoError(t, store.Save(context.Background(), job))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/download", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob_RejectsWrongExtension(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, uploadRequest(t, "data.csv", []byte("id;valueText")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ".xlsx")
}

func TestCreateJob_ProcessesNoDefectsFile(t *testing.T) {
	// Файл только с "нет замечаний" проходит пайплайн без обращений к LLM
	s, store := newTestServer(t)

	content := xlsxBytes(t, [][]string{
		{"id", "valueText"},
		{"1", "нет замечаний"},
	})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, uploadRequest(t, "input.xlsx", content))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	require.Eventually(t, func() bool {
		job, err := store.Get(context.Background(), resp.JobID)
		return err == nil && (job.Status == jobs.StatusCompleted || job.Status == jobs.StatusFailed)
	}, 10*time.Second, 50*time.Millisecond)

	job, err := store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status, "error: %s", job.Error)
	assert.Equal(t, 100, job.Progress)
	assert.NotEmpty(t, job.OutputFile)
	assert.FileExists(t, job.OutputFile)
}

func TestJobAnalytics(t *testing.T) {
	s, store := newTestServer(t)

	outPath := filepath.Join(t.TempDir(), "result.xlsx")
	writeResultFile(t, outPath, [][]string{
		{"id", "Дефект", "Категория дефекта"},
		{"1", "Царапина на окне", "Окна и остекление"},
		{"1", "Скол на окне", "Окна и остекление"},
		{"2", "Трещина", "Стены и перегородки"},
	})

	job := jobs.NewJob("in.xlsx")
	job.Status = jobs.StatusCompleted
	job.OutputFile = outPath
	require.NoError(t, store.Save(context.Background(), job))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/analytics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp analyticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, 3, resp.TotalRows)
	assert.Equal(t, 2, resp.TotalCategories)
	assert.Equal(t, "Категория дефекта", resp.CategoryColumn)
	require.Len(t, resp.CategoryDistribution, 2)
	assert.Equal(t, "Окна и остекление", resp.CategoryDistribution[0].Category)
	assert.Equal(t, 2, resp.CategoryDistribution[0].Count)
	assert.InDelta(t, 66.7, resp.CategoryDistribution[0].Percentage, 0.01)
	assert.ElementsMatch(t, []string{"1", "2"}, resp.ColumnValues["id"])
}

func TestDomylandExportTypes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/domyland/export-types", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string][]exportTypeItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp["types"], 5)
}

func TestDomylandExport_UnknownSession(t *testing.T) {
	s, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"session_id": "нет-такой", "export_type": "orders"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/domyland/export", body)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp exportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Сессия не найдена")
}

func TestDomylandDownload_RejectsBadFileID(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/domyland/download/not-a-uuid?type=orders", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
