// Package server — HTTP API сервиса обработки замечаний.
//
// Маршруты:
//
//	POST /api/jobs                    — загрузка xlsx, запуск обработки в фоне
//	GET  /api/jobs/{jobID}            — статус задачи и прогресс
//	GET  /api/jobs/{jobID}/download   — скачивание результата
//	GET  /api/jobs/{jobID}/analytics  — распределение категорий по результату
//	POST /api/domyland/auth           — авторизация в CRM, выдача session_id
//	POST /api/domyland/export         — выгрузка данных CRM в xlsx
//	GET  /api/domyland/download/{id}  — скачивание выгрузки
//	GET  /api/domyland/export-types   — список поддерживаемых выгрузок
//	GET  /api/health                  — проверка живости
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/ilkoid/priemka-ai/pkg/cache"
	"github.com/ilkoid/priemka-ai/pkg/catalog"
	"github.com/ilkoid/priemka-ai/pkg/config"
	"github.com/ilkoid/priemka-ai/pkg/jobs"
	"github.com/ilkoid/priemka-ai/pkg/llm"
	"github.com/ilkoid/priemka-ai/pkg/s3storage"
)

// Server держит зависимости HTTP обработчиков.
type Server struct {
	cfg      *config.AppConfig
	store    jobs.Store
	index    *catalog.Index
	tasks    *llm.TaskClient
	cache    cache.Store
	s3       s3storage.ClientInterface // nil = архивация выключена
	sessions *sessionStore
}

// New создает сервер. s3 может быть nil.
func New(cfg *config.AppConfig, store jobs.Store, index *catalog.Index, tasks *llm.TaskClient, cacheStore cache.Store, s3 s3storage.ClientInterface) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		index:    index,
		tasks:    tasks,
		cache:    cacheStore,
		s3:       s3,
		sessions: newSessionStore(),
	}
}

// Router собирает chi-роутер со всеми маршрутами и middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/{jobID}", s.handleJobStatus)
			r.Get("/{jobID}/download", s.handleJobDownload)
			r.Get("/{jobID}/analytics", s.handleJobAnalytics)
		})

		r.Route("/domyland", func(r chi.Router) {
			r.Post("/auth", s.handleDomylandAuth)
			r.Post("/export", s.handleDomylandExport)
			r.Get("/download/{fileID}", s.handleDomylandDownload)
			r.Get("/export-types", s.handleDomylandExportTypes)
		})
	})

	return r
}

// healthResponse — ответ /api/health.
type healthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	CatalogLoaded  bool      `json:"catalog_loaded"`
	CatalogSize    int       `json:"catalog_size"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, healthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC(),
		CatalogLoaded: s.index.IsLoaded(),
		CatalogSize:   len(s.index.Categories()),
	})
}

// errorResponse — единый формат ошибок API.
type errorResponse struct {
	Error string `json:"error"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}
