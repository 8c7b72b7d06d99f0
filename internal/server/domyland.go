package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/ilkoid/priemka-ai/pkg/domyland"
	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// session — авторизованная сессия Domyland. Токены живут в памяти
// процесса: выгрузки — интерактивная операция, переживать рестарт
// сессиям не нужно.
type session struct {
	token            string
	tenantName       string
	createdAt        time.Time
	availableExports []string
}

type sessionStore struct {
	mu sync.RWMutex
	m  map[string]session
}

func newSessionStore() *sessionStore {
	return &sessionStore{m: make(map[string]session)}
}

func (s *sessionStore) get(id string) (session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.m[id]
	return sess, ok
}

func (s *sessionStore) put(id string, sess session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = sess
}

func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// authRequest — тело POST /api/domyland/auth.
type authRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TenantName string `json:"tenant_name"`
}

// exportInfo — описание доступного типа выгрузки.
type exportInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// authResponse — ответ POST /api/domyland/auth.
type authResponse struct {
	Success          bool         `json:"success"`
	Message          string       `json:"message"`
	SessionID        string       `json:"session_id,omitempty"`
	AvailableExports []exportInfo `json:"available_exports,omitempty"`
}

func (s *Server) handleDomylandAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Некорректное тело запроса")
		return
	}
	if req.TenantName == "" {
		req.TenantName = "a101"
	}

	client, err := domyland.NewFromConfig(s.cfg.Domyland)
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "Не удалось создать клиент Domyland")
		return
	}

	token, err := client.Authenticate(r.Context(), req.Email, req.Password, req.TenantName)
	if err != nil {
		utils.Warn("domyland: авторизация отклонена", "tenant", req.TenantName, "error", err)
		render.JSON(w, r, authResponse{Success: false, Message: err.Error()})
		return
	}

	available := s.checkExportAccess(r, client)

	sessionID := uuid.NewString()
	ids := make([]string, 0, len(available))
	for _, e := range available {
		ids = append(ids, e.ID)
	}
	s.sessions.put(sessionID, session{
		token:            token,
		tenantName:       req.TenantName,
		createdAt:        time.Now().UTC(),
		availableExports: ids,
	})

	render.JSON(w, r, authResponse{
		Success:          true,
		Message:          fmt.Sprintf("Авторизация успешна. Доступно %d типов экспорта.", len(available)),
		SessionID:        sessionID,
		AvailableExports: available,
	})
}

// checkExportAccess пробует первую страницу каждого эндпоинта и
// возвращает только доступные этому пользователю типы выгрузки.
func (s *Server) checkExportAccess(r *http.Request, client *domyland.Client) []exportInfo {
	endpoints := map[domyland.ExportType]string{
		domyland.ExportBuildings: "buildings",
		domyland.ExportCustomers: "customers",
		domyland.ExportPlaces:    "places",
		domyland.ExportOrders:    "orders/invoices",
		domyland.ExportPayments:  "payments",
	}
	names := domyland.ExportTypeDescriptions()

	var available []exportInfo
	for _, typ := range domyland.ExportTypes() {
		if err := client.CheckAccess(r.Context(), endpoints[typ]); err != nil {
			continue
		}
		available = append(available, exportInfo{ID: string(typ), Name: names[typ]})
	}
	return available
}

// exportRequest — тело POST /api/domyland/export.
type exportRequest struct {
	SessionID  string `json:"session_id"`
	ExportType string `json:"export_type"`
	BuildingID int    `json:"building_id,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"` // DD.MM.YYYY-DD.MM.YYYY
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// exportResponse — ответ POST /api/domyland/export.
type exportResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	DownloadURL string `json:"download_url,omitempty"`
	RecordCount int    `json:"record_count,omitempty"`
}

func (s *Server) handleDomylandExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Некорректное тело запроса")
		return
	}

	sess, ok := s.sessions.get(req.SessionID)
	if !ok {
		render.JSON(w, r, exportResponse{Success: false, Message: "Сессия не найдена. Авторизуйтесь заново."})
		return
	}

	client, err := domyland.NewFromConfig(s.cfg.Domyland)
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "Не удалось создать клиент Domyland")
		return
	}
	client.SetToken(sess.token)

	fileID := uuid.NewString()
	outputPath := filepath.Join(s.cfg.Paths.ResultsDir,
		fmt.Sprintf("domyland_%s_%s.xlsx", req.ExportType, fileID))

	exporter := domyland.NewExporter(client)
	count, err := exporter.Export(r.Context(), domyland.ExportType(req.ExportType), domyland.ExportFilter{
		BuildingID: req.BuildingID,
		CreatedAt:  req.CreatedAt,
		UpdatedAt:  req.UpdatedAt,
		DateTime:   req.CreatedAt,
	}, outputPath)
	if err != nil {
		if errors.Is(err, domyland.ErrAuth) {
			// Токен протух — сессия больше не годится
			s.sessions.delete(req.SessionID)
			render.JSON(w, r, exportResponse{Success: false, Message: "Сессия истекла. Авторизуйтесь заново."})
			return
		}
		utils.Error("domyland: ошибка выгрузки", "type", req.ExportType, "error", err)
		render.JSON(w, r, exportResponse{Success: false, Message: "Ошибка экспорта: " + err.Error()})
		return
	}

	render.JSON(w, r, exportResponse{
		Success:     true,
		Message:     fmt.Sprintf("Экспорт завершён: %d записей", count),
		DownloadURL: fmt.Sprintf("/api/domyland/download/%s?type=%s", fileID, req.ExportType),
		RecordCount: count,
	})
}

func (s *Server) handleDomylandDownload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	exportType := r.URL.Query().Get("type")

	// Имя собирается только из проверенных кусков, чтобы не выйти из директории
	if _, err := uuid.Parse(fileID); err != nil {
		renderError(w, r, http.StatusBadRequest, "Некорректный идентификатор файла")
		return
	}
	if !isKnownExportType(exportType) {
		renderError(w, r, http.StatusBadRequest, "Неизвестный тип экспорта")
		return
	}

	path := filepath.Join(s.cfg.Paths.ResultsDir,
		fmt.Sprintf("domyland_%s_%s.xlsx", exportType, fileID))
	if _, err := os.Stat(path); err != nil {
		renderError(w, r, http.StatusNotFound, "Файл не найден")
		return
	}

	downloadName := fmt.Sprintf("domyland_%s_%s.xlsx", exportType, time.Now().Format("20060102_1504"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, downloadName))
	http.ServeFile(w, r, path)
}

func isKnownExportType(typ string) bool {
	for _, t := range domyland.ExportTypes() {
		if string(t) == typ {
			return true
		}
	}
	return false
}

// exportTypeItem — элемент ответа /api/domyland/export-types.
type exportTypeItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleDomylandExportTypes(w http.ResponseWriter, r *http.Request) {
	names := domyland.ExportTypeDescriptions()
	types := make([]exportTypeItem, 0, len(names))
	for _, typ := range domyland.ExportTypes() {
		types = append(types, exportTypeItem{
			ID:          string(typ),
			Name:        names[typ],
			Description: names[typ],
		})
	}
	render.JSON(w, r, map[string][]exportTypeItem{"types": types})
}
