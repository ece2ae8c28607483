package estimate

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/recherche-engine/internal/model"
)

// Category is a heuristic industry bucket with a businesses-per-inhabitant
// density.
type Category string

// Heuristic categories.
const (
	CategoryFoodService Category = "gastronomie"
	CategoryRetail      Category = "einzelhandel"
	CategoryServices    Category = "dienstleistung"
	CategoryDefault     Category = "default"
)

// densities are businesses per inhabitant.
var densities = map[Category]float64{
	CategoryFoodService: 1.0 / 300,
	CategoryRetail:      1.0 / 200,
	CategoryServices:    1.0 / 150,
	CategoryDefault:     1.0 / 250,
}

// Density returns the businesses-per-inhabitant multiplier of c.
func (c Category) Density() float64 {
	if d, ok := densities[c]; ok {
		return d
	}
	return densities[CategoryDefault]
}

// keywordRules are checked in order against the lowercased free text.
var keywordRules = []struct {
	category Category
	keywords []string
}{
	{CategoryFoodService, []string{"restaurant", "gastro", "essen", "café", "bar", "imbiss"}},
	{CategoryRetail, []string{"laden", "shop", "handel", "geschäft", "markt"}},
	{CategoryServices, []string{"dienst", "beratung", "service", "agentur"}},
}

// industryPrefixes map WZ 2008 code prefixes to a category.
var industryPrefixes = []struct {
	category Category
	prefixes []string
}{
	{CategoryFoodService, []string{"56"}},
	{CategoryRetail, []string{"45", "47"}},
}

var lower = cases.Lower(language.German)

// Classify maps an industry filter to a heuristic category: keywords in the
// free text first, then the industry code prefix, else the default.
func Classify(f model.Filter) Category {
	text := lower.String(f.Text)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category
			}
		}
	}

	code := strings.TrimSpace(f.IndustryCode)
	if code != "" {
		for _, rule := range industryPrefixes {
			for _, p := range rule.prefixes {
				if strings.HasPrefix(code, p) {
					return rule.category
				}
			}
		}
	}
	return CategoryDefault
}
