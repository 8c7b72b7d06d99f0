// Package domyland — клиент CRM Domyland (https://public-api.domyland.ru/).
//
// Это API SDK, а не «тупой» HTTP клиент:
//   - retry, rate limiting и классификация ошибок
//   - авто-пагинация по fromRow/nextRow
//   - выборка справочников (buildings, customers, places) и заявок с ответами
package domyland

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ilkoid/priemka-ai/pkg/config"
	"github.com/ilkoid/priemka-ai/pkg/utils"
	"golang.org/x/time/rate"
)

// ErrNotAuthenticated — клиент используется без токена.
var ErrNotAuthenticated = errors.New("domyland: not authenticated")

// ErrAuth — авторизация отклонена (неверные данные или протухший токен).
var ErrAuth = errors.New("domyland: auth failed")

// ErrorType представляет тип ошибки при работе с Domyland API.
type ErrorType int

const (
	ErrUnknown ErrorType = iota
	ErrAuthFailed
	ErrTimeout
	ErrNetwork
	ErrRateLimit
)

// HumanMessage возвращает человекочитаемое сообщение для типа ошибки.
func (e ErrorType) HumanMessage() string {
	switch e {
	case ErrAuthFailed:
		return "Токен недействителен или истек. Выполните авторизацию заново."
	case ErrTimeout:
		return "Превышено время ожидания. Сервер Domyland не отвечает."
	case ErrNetwork:
		return "Сервер Domyland недоступен. Проверьте подключение к интернету."
	case ErrRateLimit:
		return "Превышен лимит запросов. Подождите перед следующей попыткой."
	default:
		return "Неизвестная ошибка при подключении к Domyland API."
	}
}

// ClassifyError классифицирует ошибку по тексту для диагностики.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrUnknown
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrNotAuthenticated) {
		return ErrAuthFailed
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	if strings.Contains(msg, "401") || strings.Contains(lower, "unauthorized") {
		return ErrAuthFailed
	}
	if strings.Contains(lower, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return ErrTimeout
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return ErrNetwork
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests") {
		return ErrRateLimit
	}
	return ErrUnknown
}

// HTTPClient интерфейс для выполнения HTTP запросов.
//
// Позволяет мокировать HTTP клиент в тестах. Стандартный *http.Client
// реализует этот интерфейс.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client — клиент Domyland API.
type Client struct {
	baseURL       string
	appName       string
	timeZone      string
	token         string
	retryAttempts int
	maxPages      int
	httpClient    HTTPClient
	limiter       *rate.Limiter
}

// NewFromConfig создает клиент из конфигурации. Поля с нулевыми
// значениями заполняются дефолтами через GetDefaults().
func NewFromConfig(cfg config.DomylandConfig) (*Client, error) {
	cfg = cfg.GetDefaults()

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid domyland.timeout format: %w", err)
	}

	// rate limit задается в запросах/минуту
	ratePerSec := float64(cfg.RateLimit) / 60.0

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		appName:       cfg.AppName,
		timeZone:      cfg.TimeZone,
		retryAttempts: cfg.RetryAttempts,
		maxPages:      cfg.MaxPages,
		httpClient:    &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(rate.Limit(ratePerSec), cfg.BurstLimit),
	}, nil
}

// SetToken устанавливает токен авторизации напрямую (без вызова Authenticate).
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token возвращает текущий токен.
func (c *Client) Token() string {
	return c.token
}

// authResponse — ответ POST /auth.
type authResponse struct {
	Token        string   `json:"token"`
	UserMessages []string `json:"userMessages"`
}

// Authenticate получает токен по email/паролю и запоминает его в клиенте.
func (c *Client) Authenticate(ctx context.Context, email, password, tenantName string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"email":      email,
		"password":   password,
		"tenantName": tenantName,
	})
	if err != nil {
		return "", fmt.Errorf("marshal auth body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusBadRequest {
		// API кладет причину отказа в userMessages
		var ar authResponse
		msg := "Неверный email или пароль"
		if json.Unmarshal(body, &ar) == nil && len(ar.UserMessages) > 0 {
			msg = ar.UserMessages[0]
		}
		return "", fmt.Errorf("%w: %s", ErrAuth, msg)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return "", fmt.Errorf("unmarshal auth response: %w", err)
	}
	if ar.Token == "" {
		return "", fmt.Errorf("%w: empty token in response", ErrAuth)
	}

	c.token = ar.Token
	utils.Info("domyland: авторизация успешна", "tenant", tenantName)
	return ar.Token, nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("AppName", c.appName)
	req.Header.Set("TimeZone", c.timeZone)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// doRequest выполняет авторизованный запрос с retry и rate limiting.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, dest interface{}) error {
	if c.token == "" {
		return ErrNotAuthenticated
	}

	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var lastErr error

	for i := 0; i < c.retryAttempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return err
		}
		c.setCommonHeaders(req)
		req.Header.Set("Authorization", c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue // сетевая ошибка, пробуем еще
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: token expired, re-authenticate", ErrAuth)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("domyland api error: status %d, body: %s", resp.StatusCode, utils.Truncate(string(body), 200))
		}

		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded, last error: %v", lastErr)
}

// pageResponse — обертка пагинированных ответов. nextRow == -1
// означает последнюю страницу.
type pageResponse struct {
	Items   []map[string]interface{} `json:"items"`
	NextRow int                      `json:"nextRow"`
}

// GetAllPages выгружает все страницы пагинированного эндпоинта.
//
// Страницы листаются по fromRow/nextRow; maxPages из конфига — предохранитель
// от бесконечного цикла при неожиданном ответе API.
func (c *Client) GetAllPages(ctx context.Context, endpoint string, params url.Values) ([]map[string]interface{}, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("fromRow", "0")

	var all []map[string]interface{}

	for page := 0; page < c.maxPages; page++ {
		utils.Debug("domyland: загрузка страницы", "endpoint", endpoint, "page", page+1, "fromRow", params.Get("fromRow"))

		var pr pageResponse
		if err := c.doRequest(ctx, http.MethodGet, endpoint, params, &pr); err != nil {
			return all, fmt.Errorf("fetch %s page %d: %w", endpoint, page+1, err)
		}

		all = append(all, pr.Items...)

		if pr.NextRow == -1 {
			utils.Info("domyland: выгрузка завершена", "endpoint", endpoint, "total", len(all))
			break
		}
		params.Set("fromRow", fmt.Sprintf("%d", pr.NextRow))
	}

	return all, nil
}

// CheckAccess запрашивает первую страницу эндпоинта, чтобы проверить,
// есть ли у токена доступ. Тело ответа не используется.
func (c *Client) CheckAccess(ctx context.Context, endpoint string) error {
	params := url.Values{}
	params.Set("fromRow", "0")
	var pr pageResponse
	return c.doRequest(ctx, http.MethodGet, endpoint, params, &pr)
}

// GetBuildings возвращает список объектов/домов. updatedAt — опциональный
// фильтр диапазона дат в формате DD.MM.YYYY-DD.MM.YYYY.
func (c *Client) GetBuildings(ctx context.Context, updatedAt string) ([]map[string]interface{}, error) {
	params := url.Values{}
	if updatedAt != "" {
		params.Set("updatedAt", updatedAt)
	}
	return c.GetAllPages(ctx, "buildings", params)
}

// GetCustomers возвращает список клиентов.
func (c *Client) GetCustomers(ctx context.Context, updatedAt string) ([]map[string]interface{}, error) {
	params := url.Values{}
	if updatedAt != "" {
		params.Set("updatedAt", updatedAt)
	}
	return c.GetAllPages(ctx, "customers", params)
}

// GetPlaces возвращает список помещений/квартир.
func (c *Client) GetPlaces(ctx context.Context, updatedAt string) ([]map[string]interface{}, error) {
	params := url.Values{}
	if updatedAt != "" {
		params.Set("updatedAt", updatedAt)
	}
	return c.GetAllPages(ctx, "places", params)
}

// OrdersFilter — фильтры выгрузки заявок. Нулевые значения не передаются.
type OrdersFilter struct {
	BuildingID    int
	PlaceID       int
	CreatedAt     string // DD.MM.YYYY-DD.MM.YYYY
	UpdatedAt     string
	OrderStatusID int
	ServiceID     int
}

// GetOrdersWithInvoices возвращает заявки вместе с ответами на поля формы.
func (c *Client) GetOrdersWithInvoices(ctx context.Context, f OrdersFilter) ([]map[string]interface{}, error) {
	params := url.Values{}
	if f.BuildingID > 0 {
		params.Set("buildingId", fmt.Sprintf("%d", f.BuildingID))
	}
	if f.PlaceID > 0 {
		params.Set("placeId", fmt.Sprintf("%d", f.PlaceID))
	}
	if f.CreatedAt != "" {
		params.Set("createdAt", f.CreatedAt)
	}
	if f.UpdatedAt != "" {
		params.Set("updatedAt", f.UpdatedAt)
	}
	if f.OrderStatusID > 0 {
		params.Set("orderStatusId", fmt.Sprintf("%d", f.OrderStatusID))
	}
	if f.ServiceID > 0 {
		params.Set("serviceId", fmt.Sprintf("%d", f.ServiceID))
	}
	return c.GetAllPages(ctx, "orders/invoices", params)
}

// GetPayments возвращает платежи.
func (c *Client) GetPayments(ctx context.Context, dateTime, companyExtID string) ([]map[string]interface{}, error) {
	params := url.Values{}
	if dateTime != "" {
		params.Set("dateTime", dateTime)
	}
	if companyExtID != "" {
		params.Set("companyExtId", companyExtID)
	}
	return c.GetAllPages(ctx, "payments", params)
}

// GetMeteringData возвращает показания индивидуальных приборов учета.
func (c *Client) GetMeteringData(ctx context.Context, buildingID, placeID int, isLast bool) ([]map[string]interface{}, error) {
	params := url.Values{}
	if isLast {
		params.Set("isLast", "1")
	} else {
		params.Set("isLast", "0")
	}
	if buildingID > 0 {
		params.Set("buildingId", fmt.Sprintf("%d", buildingID))
	}
	if placeID > 0 {
		params.Set("placeId", fmt.Sprintf("%d", placeID))
	}
	return c.GetAllPages(ctx, "meteringData", params)
}
