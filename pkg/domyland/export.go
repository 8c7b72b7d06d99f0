package domyland

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/xuri/excelize/v2"

	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// ExportType — тип выгрузки из Domyland в xlsx.
type ExportType string

const (
	ExportBuildings ExportType = "buildings"
	ExportCustomers ExportType = "customers"
	ExportPlaces    ExportType = "places"
	ExportOrders    ExportType = "orders"
	ExportPayments  ExportType = "payments"
)

// ExportTypes — список поддерживаемых типов выгрузки в стабильном порядке.
func ExportTypes() []ExportType {
	return []ExportType{ExportBuildings, ExportCustomers, ExportPlaces, ExportOrders, ExportPayments}
}

// ExportTypeDescriptions — человекочитаемые описания для UI/API.
func ExportTypeDescriptions() map[ExportType]string {
	return map[ExportType]string{
		ExportBuildings: "Объекты (дома)",
		ExportCustomers: "Клиенты",
		ExportPlaces:    "Помещения (квартиры)",
		ExportOrders:    "Заявки с ответами форм",
		ExportPayments:  "Платежи",
	}
}

// Ключевые слова, по которым поле формы считается свободным текстовым
// комментарием (а не выбором из списка). Регистр не учитывается.
var commentKeywords = []string{
	"комментарий", "описание", "опишите", "укажите",
	"напишите", "введите", "текст", "примечание",
}

func isCommentField(elementTitle string) bool {
	if elementTitle == "" {
		return false
	}
	lower := strings.ToLower(elementTitle)
	for _, kw := range commentKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Exporter выгружает данные Domyland в xlsx файлы.
type Exporter struct {
	client *Client
}

// NewExporter создает сервис выгрузки поверх готового клиента.
func NewExporter(client *Client) *Exporter {
	return &Exporter{client: client}
}

// ExportFilter — общие фильтры выгрузки.
type ExportFilter struct {
	BuildingID int
	CreatedAt  string // DD.MM.YYYY-DD.MM.YYYY
	UpdatedAt  string
	DateTime   string // для платежей
}

// Export выгружает данные выбранного типа и пишет xlsx в outputPath.
// Возвращает количество выгруженных записей.
func (e *Exporter) Export(ctx context.Context, typ ExportType, f ExportFilter, outputPath string) (int, error) {
	switch typ {
	case ExportBuildings:
		data, err := e.client.GetBuildings(ctx, f.UpdatedAt)
		if err != nil {
			return 0, err
		}
		return len(data), e.writeFlattened(data, outputPath, "Buildings")
	case ExportCustomers:
		data, err := e.client.GetCustomers(ctx, f.UpdatedAt)
		if err != nil {
			return 0, err
		}
		return len(data), e.writeFlattened(data, outputPath, "Customers")
	case ExportPlaces:
		data, err := e.client.GetPlaces(ctx, f.UpdatedAt)
		if err != nil {
			return 0, err
		}
		return len(data), e.writeFlattened(data, outputPath, "Places")
	case ExportOrders:
		return e.ExportOrders(ctx, f, outputPath)
	case ExportPayments:
		data, err := e.client.GetPayments(ctx, f.DateTime, "")
		if err != nil {
			return 0, err
		}
		return len(data), e.writeFlattened(data, outputPath, "Payments")
	default:
		return 0, fmt.Errorf("unknown export type: %s", typ)
	}
}

// OrderRow — строка выгрузки заявок в формате, готовом для пайплайна
// классификации: ответы из списков в valueString, свободный текст в valueText.
type OrderRow struct {
	ID          int
	Address     string
	Title       string
	ValueString string
	ValueText   string
	ExtID       string
	CreatedAt   string
}

var orderHeaders = []string{"id", "address", "title", "valueString", "valueText", "extId", "createdAt"}

// ExportOrders выгружает заявки и раскладывает ответы форм по колонкам
// valueString (выбор из списка) и valueText (свободный текст).
func (e *Exporter) ExportOrders(ctx context.Context, f ExportFilter, outputPath string) (int, error) {
	raw, err := e.client.GetOrdersWithInvoices(ctx, OrdersFilter{
		BuildingID: f.BuildingID,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	})
	if err != nil {
		return 0, err
	}

	rows := make([]OrderRow, 0, len(raw))
	for _, order := range raw {
		rows = append(rows, buildOrderRow(order))
	}

	return len(rows), writeOrderRows(rows, outputPath)
}

// buildOrderRow собирает строку выгрузки из одной заявки.
func buildOrderRow(order map[string]interface{}) OrderRow {
	var valueStrings, valueTexts []string
	seenStr := map[string]bool{}
	seenText := map[string]bool{}

	for _, raw := range cast.ToSlice(order["orderElements"]) {
		elem := cast.ToStringMap(raw)
		val := strings.TrimSpace(cast.ToString(elem["valueTitle"]))
		if val == "" {
			continue
		}
		if isCommentField(cast.ToString(elem["elementTitle"])) {
			if !seenText[val] {
				seenText[val] = true
				valueTexts = append(valueTexts, val)
			}
		} else {
			if !seenStr[val] {
				seenStr[val] = true
				valueStrings = append(valueStrings, val)
			}
		}
	}

	address := cast.ToString(order["placeAddress"])
	if address == "" {
		address = cast.ToString(order["buildingTitle"])
	}

	return OrderRow{
		ID:          cast.ToInt(order["id"]),
		Address:     address,
		Title:       cast.ToString(order["serviceTitle"]),
		ValueString: strings.Join(valueStrings, " | "),
		ValueText:   strings.Join(valueTexts, " | "),
		ExtID:       cast.ToString(order["extId"]),
		CreatedAt:   renderTimestamp(order["createdAt"]),
	}
}

func writeOrderRows(rows []OrderRow, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	f.SetSheetName(sheet, "Orders")
	sheet = "Orders"

	for col, h := range orderHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for i, row := range rows {
		values := []interface{}{row.ID, row.Address, row.Title, row.ValueString, row.ValueText, row.ExtID, row.CreatedAt}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	if err := f.SaveAs(outputPath); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	utils.Info("domyland: выгрузка заявок записана", "rows", len(rows), "file", outputPath)
	return nil
}

// writeFlattened пишет произвольные записи API в xlsx: вложенные объекты
// разворачиваются в колонки с подчеркиванием (place_address), заголовки
// сортируются для стабильного порядка колонок.
func (e *Exporter) writeFlattened(data []map[string]interface{}, outputPath, sheetName string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	flat := make([]map[string]interface{}, 0, len(data))
	headerSet := map[string]bool{}
	for _, record := range data {
		fr := FlattenMap(record, "")
		flat = append(flat, fr)
		for k := range fr {
			headerSet[k] = true
		}
	}

	headers := make([]string, 0, len(headerSet))
	for h := range headerSet {
		headers = append(headers, h)
	}
	sort.Strings(headers)

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	f.SetSheetName(sheet, sheetName)
	sheet = sheetName

	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for i, record := range flat {
		for col, h := range headers {
			v, ok := record[h]
			if !ok {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			f.SetCellValue(sheet, cell, renderValue(v))
		}
	}

	if err := f.SaveAs(outputPath); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	utils.Info("domyland: выгрузка записана", "type", sheetName, "rows", len(data), "file", outputPath)
	return nil
}

// FlattenMap разворачивает вложенный объект в плоский: ключи склеиваются
// через подчеркивание, списки примитивов склеиваются через запятую.
func FlattenMap(m map[string]interface{}, parentKey string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		key := k
		if parentKey != "" {
			key = parentKey + "_" + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			for nk, nv := range FlattenMap(val, key) {
				out[nk] = nv
			}
		case []interface{}:
			if len(val) > 0 {
				if _, isMap := val[0].(map[string]interface{}); isMap {
					out[key] = fmt.Sprintf("%v", val)
					continue
				}
			}
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, cast.ToString(item))
			}
			out[key] = strings.Join(parts, ", ")
		default:
			out[key] = v
		}
	}
	return out
}

// renderValue переводит значение в вид для ячейки. Числа, похожие на
// unix-время (2001..2033 годы), рендерятся как дата.
func renderValue(v interface{}) interface{} {
	return renderTimestampOr(v, v)
}

// renderTimestamp рендерит unix-время в строку, иначе приводит к строке.
func renderTimestamp(v interface{}) string {
	if s, ok := renderTimestampOr(v, nil).(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}

func renderTimestampOr(v, fallback interface{}) interface{} {
	n := cast.ToInt64(v)
	if n > 1_000_000_000 && n < 2_000_000_000 {
		return time.Unix(n, 0).Format("02.01.2006 15:04")
	}
	return fallback
}
