package mapping

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"storeledger/internal"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ReportFields is the fixed field order of a parsed settlement record.
var ReportFields = []string{
	"draw_sales", "draw_comm", "draw_cashes", "draw_cash_comm", "draw_cancels", "draw_promotions",
	"instant_sales", "instant_comm", "instant_cashes", "instant_cash_comm", "instant_returns", "instant_promotions",
	"packs_activated", "packs_settled", "packs_returned",
	"bonus_comm", "adjustments", "service_fees", "chargebacks",
	"total_sales", "total_comm", "total_cashes", "net_sales", "amount_due", "weekly_fee",
}

// Profile names the vendor columns of one state's settlement report.
type Profile struct {
	Marker         string              `yaml:"marker"`
	RetailerColumn string              `yaml:"retailer_column"`
	LocationColumn string              `yaml:"location_column"`
	DateColumn     string              `yaml:"date_column"`
	Fields         map[string][]string `yaml:"fields"`
}

type stateDefaults struct {
	ReportType     string                   `yaml:"report_type"`
	Report         Profile                  `yaml:"report"`
	ReportMappings []internal.ReportMapping `yaml:"report_mappings"`
}

type defaultsFile struct {
	FallbackState string                   `yaml:"fallback_state"`
	States        map[string]stateDefaults `yaml:"states"`
}

var defaults = mustLoadDefaults(defaultsYAML)

func mustLoadDefaults(blob []byte) defaultsFile {
	d, err := loadDefaults(blob)
	if err != nil {
		panic(err)
	}
	return d
}

func loadDefaults(blob []byte) (defaultsFile, error) {
	var d defaultsFile
	if err := yaml.Unmarshal(blob, &d); err != nil {
		return defaultsFile{}, fmt.Errorf("parse mapping defaults: %w", err)
	}
	if _, ok := d.States[d.FallbackState]; !ok {
		return defaultsFile{}, fmt.Errorf("fallback state %q has no defaults", d.FallbackState)
	}
	for state, sd := range d.States {
		for i := range sd.ReportMappings {
			sd.ReportMappings[i].ReportType = sd.ReportType
			if sd.ReportMappings[i].DataType == "" {
				sd.ReportMappings[i].DataType = "number"
			}
			if err := ValidateReportMapping(sd.ReportMappings[i]); err != nil {
				return defaultsFile{}, fmt.Errorf("state %s: %w", state, err)
			}
		}
		d.States[state] = sd
	}
	return d, nil
}

func stateOrFallback(state string) stateDefaults {
	if sd, ok := defaults.States[strings.ToUpper(strings.TrimSpace(state))]; ok {
		return sd
	}
	return defaults.States[defaults.FallbackState]
}

// ProfileFor returns the report profile of a state, falling back to PA.
func ProfileFor(state string) Profile {
	return stateOrFallback(state).Report
}

// ReportTypeFor returns the report type stored with raw reports of a state.
func ReportTypeFor(state string) string {
	return stateOrFallback(state).ReportType
}

// DefaultReportMappings returns a copy of the fallback mappings for a state.
func DefaultReportMappings(state string) []internal.ReportMapping {
	src := stateOrFallback(state).ReportMappings
	out := make([]internal.ReportMapping, len(src))
	copy(out, src)
	return out
}
