package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"storeledger/internal"
	"storeledger/internal/formula"
)

var validate = validator.New()

func ValidateReportMapping(m internal.ReportMapping) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid report mapping %s->%s: %w", m.SourceColumn, m.TargetField, err)
	}
	return nil
}

// ApplyReportMappings derives mapped values from a raw report row. The result depends only on
// the row and the mappings, so re-applying the same mappings reproduces it exactly.
func (r *Resolver) ApplyReportMappings(row Row, mappings []internal.ReportMapping) internal.MappedValues {
	out := internal.MappedValues{
		Lottery: map[string]float64{},
		Revenue: map[string]float64{},
		Text:    map[string]string{},
	}

	var numbers map[string]float64
	for _, m := range mappings {
		target := out.Lottery
		if m.TargetType == internal.TargetDailyRevenue {
			target = out.Revenue
		}

		if m.FormulaExpression != nil && strings.TrimSpace(*m.FormulaExpression) != "" {
			if numbers == nil {
				numbers = row.Numbers()
			}
			target[m.TargetField] = formula.EvalExpression(*m.FormulaExpression, numbers).InexactFloat64()
			continue
		}

		if m.DataType == "string" {
			if raw, ok := row.Lookup([]string{m.SourceColumn}); ok && strings.TrimSpace(raw) != "" {
				out.Text[m.TargetField] = strings.TrimSpace(raw)
			}
			continue
		}

		resolved := r.Resolve(row, map[string]FieldSpec{m.TargetField: Header(m.SourceColumn)})
		if v, ok := resolved.Values[m.TargetField]; ok {
			target[m.TargetField] = v
		}
	}
	return out
}

func sortedKeys(specs map[string]FieldSpec) []string {
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
