// Package catalog реализует справочник категорий дефектов с нечётким поиском.
//
// Справочник загружается из xlsx файла (колонка "Наименование"), строится
// в памяти и отвечает на запросы "топ-N похожих категорий". Изменение файла
// отслеживается по mtime, индекс пересобирается на лету.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"github.com/xuri/excelize/v2"

	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// Ошибки справочника.
var (
	// ErrSourceMissing — файл справочника не найден. Всегда доводится до
	// вызывающего кода, молча пустой справочник недопустим.
	ErrSourceMissing = errors.New("catalog: categories file not found")

	// ErrNotBuilt — поиск вызван до BuildIndex().
	ErrNotBuilt = errors.New("catalog: index not built, call BuildIndex first")

	// ErrEmpty — в файле не нашлось ни одной категории ожидаемой формы.
	ErrEmpty = errors.New("catalog: no categories found in source")
)

// Колонка с названиями категорий в справочнике (3-я, как в выгрузке 1С).
const nameColumn = 2

// Index — справочник категорий с нечётким поиском.
//
// Список категорий read-only между перестройками; RWMutex нужен потому что
// cron-перестройка может совпасть с идущим пайплайном.
type Index struct {
	path string

	mu         sync.RWMutex
	categories []string
	mtime      time.Time
	built      bool
}

// New создает индекс поверх xlsx файла справочника.
func New(path string) *Index {
	return &Index{path: path}
}

// NewFromCategories создает индекс поверх готового списка (тесты, встраивание).
// Файловые операции (Load, CheckAndRebuild) для такого индекса недоступны.
func NewFromCategories(categories []string) *Index {
	idx := &Index{}
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c != "" {
			idx.categories = append(idx.categories, c)
		}
	}
	idx.built = true
	return idx
}

// Categories возвращает копию списка категорий.
func (idx *Index) Categories() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, len(idx.categories))
	copy(out, idx.categories)
	return out
}

// IsLoaded сообщает, готов ли индекс к поиску.
func (idx *Index) IsLoaded() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.built && len(idx.categories) > 0
}

// Load читает категории из xlsx файла.
//
// Берётся 3-я колонка ("Наименование"), первая строка считается заголовком.
// Кривые строки (короче 3 колонок, пустые ячейки) пропускаются по одной,
// отсутствие файла — ошибка.
func (idx *Index) Load() error {
	if idx.path == "" {
		return fmt.Errorf("catalog: index built from static list, no source file")
	}

	info, err := os.Stat(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, idx.path)
		}
		return fmt.Errorf("catalog: stat %s: %w", idx.path, err)
	}

	f, err := excelize.OpenFile(idx.path)
	if err != nil {
		return fmt.Errorf("catalog: open %s: %w", idx.path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return fmt.Errorf("%w: no sheets in %s", ErrEmpty, idx.path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return fmt.Errorf("catalog: read rows: %w", err)
	}

	var categories []string
	for i, row := range rows {
		if i == 0 {
			continue // заголовок
		}
		if len(row) <= nameColumn {
			continue
		}
		name := strings.TrimSpace(row[nameColumn])
		if name == "" {
			continue
		}
		categories = append(categories, name)
	}

	if len(categories) == 0 {
		return fmt.Errorf("%w: %s", ErrEmpty, idx.path)
	}

	idx.mu.Lock()
	idx.categories = categories
	idx.mtime = info.ModTime()
	idx.mu.Unlock()

	utils.Info("categories loaded", "file", idx.path, "count", len(categories))
	return nil
}

// BuildIndex готовит индекс к поиску. Идемпотентна.
//
// Отдельной структуры индекса нет — fuzzy-скоринг работает прямо по списку,
// поэтому достаточно загрузить категории и выставить флаг готовности.
func (idx *Index) BuildIndex() error {
	idx.mu.RLock()
	loaded := len(idx.categories) > 0
	idx.mu.RUnlock()

	if !loaded {
		if err := idx.Load(); err != nil {
			return err
		}
	}

	idx.mu.Lock()
	idx.built = true
	idx.mu.Unlock()
	return nil
}

// CheckAndRebuild сравнивает mtime файла с последней загрузкой и
// перечитывает справочник при изменении.
//
// Возвращает true если индекс был пересобран.
func (idx *Index) CheckAndRebuild() (bool, error) {
	if idx.path == "" {
		return false, nil // статический список, перестраивать нечего
	}

	info, err := os.Stat(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s", ErrSourceMissing, idx.path)
		}
		return false, fmt.Errorf("catalog: stat %s: %w", idx.path, err)
	}

	idx.mu.RLock()
	current := idx.mtime
	built := idx.built
	idx.mu.RUnlock()

	if built && !info.ModTime().After(current) {
		return false, nil
	}

	if err := idx.Load(); err != nil {
		return false, err
	}
	if err := idx.BuildIndex(); err != nil {
		return false, err
	}

	utils.Info("category index rebuilt", "file", idx.path)
	return true, nil
}

// FindTopN возвращает до n категорий, отсортированных по убыванию сходства.
//
// Пустой запрос — документированный вырожденный случай: первые n категорий
// в порядке справочника, не ошибка.
//
// Скоринг — ансамбль из нескольких метрик: тексты дефектов и метки
// справочника обычно используют разный порядок слов и частичные формулировки,
// одна метрика на таких парах заметно проседает.
//
//	token_set_ratio * 1.2 — пересечение слов без учёта порядка
//	partial_ratio   * 1.0 — подстроки
//	WRatio          * 0.8 — общий взвешенный скор
//	бонус за ключевые строительные термины * 0.5
func (idx *Index) FindTopN(text string, n int) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.built {
		return nil, ErrNotBuilt
	}
	if len(idx.categories) == 0 {
		return nil, nil
	}
	if n <= 0 {
		return nil, nil
	}

	query := strings.ToLower(strings.TrimSpace(text))
	if query == "" {
		end := n
		if end > len(idx.categories) {
			end = len(idx.categories)
		}
		out := make([]string, end)
		copy(out, idx.categories[:end])
		return out, nil
	}

	keyTerms := extractKeyTerms(query)

	type scored struct {
		index int
		score float64
	}

	scoredAll := make([]scored, len(idx.categories))
	for i, category := range idx.categories {
		target := strings.ToLower(category)

		score := float64(fuzzy.TokenSetRatio(query, target))*1.2 +
			float64(fuzzy.PartialRatio(query, target))*1.0 +
			float64(fuzzy.WRatio(query, target))*0.8

		for _, term := range keyTerms {
			if strings.Contains(target, term) {
				score += float64(fuzzy.PartialRatio(term, target)) * 0.5
			}
		}

		scoredAll[i] = scored{index: i, score: score}
	}

	// При равных скорах побеждает более ранняя категория справочника —
	// детерминированный tie-break
	sort.SliceStable(scoredAll, func(i, j int) bool {
		return scoredAll[i].score > scoredAll[j].score
	})

	end := n
	if end > len(scoredAll) {
		end = len(scoredAll)
	}
	result := make([]string, end)
	for i := 0; i < end; i++ {
		result[i] = idx.categories[scoredAll[i].index]
	}
	return result, nil
}

// Частотные строительные термины. Совпадение термина в запросе и в метке
// справочника — сильный сигнал, которого чистым ratio-метрикам не хватает.
var keyPatterns = []string{
	"окно", "окон", "оконн", "стеклопакет", "рама", "пвх", "створк",
	"дверь", "двер", "входн",
	"стен", "кладк", "штукатурк",
	"пол", "полов", "ламинат", "плитк", "паркет",
	"потолок", "потолоч",
	"электр", "розетк", "выключател", "провод", "кабел",
	"водоснабж", "канализац", "сантехник", "труб", "кран", "смесител",
	"отоплен", "радиатор", "батаре",
	"вентиляц", "кондиционер",
	"балкон", "лоджи",
	"царапин", "трещин", "скол", "повреждени", "дефект",
	"загрязнен", "пятн",
	"протечк", "влаг",
	"зазор", "щел", "неплотн",
	"откос", "подоконник", "отлив",
	"уплотнител", "резинк", "герметик",
	"фурнитур", "ручк", "петл", "замок",
	"монтаж", "установк",
	"обои", "покраск", "краск",
}

func extractKeyTerms(query string) []string {
	var found []string
	for _, pattern := range keyPatterns {
		if strings.Contains(query, pattern) {
			found = append(found, pattern)
			if len(found) == 5 {
				break
			}
		}
	}
	return found
}
