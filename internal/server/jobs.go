package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/ilkoid/priemka-ai/pkg/jobs"
	"github.com/ilkoid/priemka-ai/pkg/pipeline"
	"github.com/ilkoid/priemka-ai/pkg/utils"
	"github.com/ilkoid/priemka-ai/pkg/xlsx"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// createJobResponse — ответ POST /api/jobs.
type createJobResponse struct {
	JobID string `json:"job_id"`
}

// jobStatusResponse — ответ GET /api/jobs/{jobID}.
type jobStatusResponse struct {
	Status      jobs.Status `json:"status"`
	Progress    int         `json:"progress"`
	DownloadURL string      `json:"download_url,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// handleCreateJob принимает xlsx из multipart-поля file, сохраняет
// его в uploads и запускает обработку в фоне.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "Не удалось прочитать файл из запроса")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		renderError(w, r, http.StatusBadRequest, "Имя файла не указано")
		return
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".xlsx") {
		renderError(w, r, http.StatusBadRequest, "Принимаются только файлы .xlsx")
		return
	}

	if err := os.MkdirAll(s.cfg.Paths.UploadsDir, 0o755); err != nil {
		renderError(w, r, http.StatusInternalServerError, "Не удалось создать директорию загрузок")
		return
	}

	job := jobs.NewJob("")
	inputPath := filepath.Join(s.cfg.Paths.UploadsDir, job.ID+".xlsx")

	dst, err := os.Create(inputPath)
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "Не удалось сохранить файл")
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(inputPath)
		// MaxBytesReader превращает превышение лимита в ошибку чтения
		renderError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Размер файла превышает лимит %d МБ", s.cfg.Server.MaxUploadSize/(1024*1024)))
		return
	}
	dst.Close()

	job.InputFile = inputPath
	if err := s.store.Save(r.Context(), job); err != nil {
		renderError(w, r, http.StatusInternalServerError, "Не удалось создать задачу")
		return
	}

	go s.processJob(job.ID, inputPath)

	render.JSON(w, r, createJobResponse{JobID: job.ID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		renderError(w, r, http.StatusNotFound, "Задача не найдена")
		return
	}

	resp := jobStatusResponse{
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	}
	if job.Status == jobs.StatusCompleted && job.OutputFile != "" {
		resp.DownloadURL = fmt.Sprintf("/api/jobs/%s/download", jobID)
	}

	render.JSON(w, r, resp)
}

func (s *Server) handleJobDownload(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_processed.xlsx"`, jobID))
	http.ServeFile(w, r, job.OutputFile)
}

// processJob — фоновая обработка: чтение xlsx, разбиение, классификация,
// запись результата. Ошибки переводят задачу в failed, паника не роняет сервер.
func (s *Server) processJob(jobID, inputPath string) {
	ctx := context.Background()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		utils.Error("job: задача пропала из хранилища", "job_id", jobID, "error", err)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			utils.Error("job: паника при обработке", "job_id", jobID, "panic", rec)
			_ = jobs.Fail(ctx, s.store, job, fmt.Sprintf("Внутренняя ошибка обработки: %v", rec))
		}
	}()

	utils.Info("job: начало обработки", "job_id", jobID, "file", inputPath)
	_ = jobs.Update(ctx, s.store, job, jobs.StatusPending, 5)

	rows, headers, err := xlsx.ReadFile(inputPath)
	if err != nil {
		utils.Error("job: ошибка чтения файла", "job_id", jobID, "error", err)
		_ = jobs.Fail(ctx, s.store, job, "Не удалось прочитать файл: "+err.Error())
		return
	}

	outputPath := xlsx.ResultPath(jobID, s.cfg.Paths.ResultsDir)

	if len(rows) == 0 {
		// Пустой вход — валидный случай: пустой результат
		if err := xlsx.WriteResult(nil, outputPath, headers); err != nil {
			_ = jobs.Fail(ctx, s.store, job, "Не удалось записать результат: "+err.Error())
			return
		}
		job.OutputFile = outputPath
		_ = jobs.Update(ctx, s.store, job, jobs.StatusCompleted, 100)
		return
	}

	progress := func(stage string, percent int) {
		status := jobs.StatusSplitting
		if stage == pipeline.StageClassifying {
			status = jobs.StatusClassifying
		}
		_ = jobs.Update(ctx, s.store, job, status, percent)
	}

	splitter := pipeline.NewSplitter(s.tasks, s.cache)
	classifier := pipeline.NewClassifier(s.tasks, s.index, s.cache, pipeline.ClassifierOptions{
		TopN:             s.cfg.Pipeline.TopN,
		FallbackCap:      s.cfg.Pipeline.FallbackCap,
		FallbackMinScore: s.cfg.Pipeline.FallbackMinScore,
	})
	p := pipeline.New(splitter, classifier, s.cfg.Pipeline.KeepUnsplit, progress)

	expanded, err := p.Run(ctx, rows)
	if err != nil {
		utils.Error("job: ошибка пайплайна", "job_id", jobID, "error", err)
		_ = jobs.Fail(ctx, s.store, job, "Обработка не удалась: "+err.Error())
		return
	}

	if err := xlsx.WriteResult(expanded, outputPath, headers); err != nil {
		utils.Error("job: ошибка записи результата", "job_id", jobID, "error", err)
		_ = jobs.Fail(ctx, s.store, job, "Не удалось записать результат: "+err.Error())
		return
	}

	s.archiveResult(ctx, jobID, outputPath)

	job.OutputFile = outputPath
	_ = jobs.Update(ctx, s.store, job, jobs.StatusCompleted, 100)
	utils.Info("job: обработка завершена", "job_id", jobID, "rows_out", len(expanded), "file", outputPath)
}

// archiveResult загружает результат в S3, если хранилище настроено.
// Ошибка архивации не валит задачу.
func (s *Server) archiveResult(ctx context.Context, jobID, outputPath string) {
	if s.s3 == nil {
		return
	}
	key := fmt.Sprintf("results/%s/%s", time.Now().UTC().Format("2006-01-02"), filepath.Base(outputPath))
	if err := s.s3.UploadFile(ctx, key, outputPath); err != nil {
		utils.Warn("job: архивация в S3 не удалась", "job_id", jobID, "error", err)
		return
	}
	utils.Info("job: результат заархивирован", "job_id", jobID, "key", key)
}
