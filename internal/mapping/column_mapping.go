package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storeledger/internal"
)

// FieldSpec is one expected header, or an ordered list of acceptable alternates.
type FieldSpec struct {
	Names []string
}

func Header(names ...string) FieldSpec {
	return FieldSpec{Names: names}
}

func (s *FieldSpec) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return err
		}
		s.Names = compactNames(names)
		return nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return fmt.Errorf("field spec must be a header name or a list of names: %w", err)
	}
	s.Names = compactNames([]string{name})
	return nil
}

func (s FieldSpec) MarshalJSON() ([]byte, error) {
	if len(s.Names) == 1 {
		return json.Marshal(s.Names[0])
	}
	return json.Marshal(s.Names)
}

func compactNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) != "" {
			out = append(out, n)
		}
	}
	return out
}

type Kind string

const (
	KindFlat   Kind = "flat"
	KindNested Kind = "nested"
)

// ColumnMapping is a sheet's column->field mapping in one of its two stored shapes:
// flat ({field: header}) applying to every sync type, or nested by sync type.
type ColumnMapping struct {
	kind   Kind
	flat   map[string]FieldSpec
	nested map[internal.SyncType]map[string]FieldSpec
}

func NewFlatMapping(fields map[string]FieldSpec) ColumnMapping {
	return ColumnMapping{kind: KindFlat, flat: fields}
}

func NewNestedMapping(byType map[internal.SyncType]map[string]FieldSpec) ColumnMapping {
	return ColumnMapping{kind: KindNested, nested: byType}
}

func (m ColumnMapping) Kind() Kind { return m.kind }

func (m ColumnMapping) IsZero() bool { return m.kind == "" }

// For returns the field specs of a sync type. A nested mapping without a lottery_weekly
// section reuses its lottery section.
func (m ColumnMapping) For(syncType internal.SyncType) (map[string]FieldSpec, bool) {
	switch m.kind {
	case KindFlat:
		return m.flat, len(m.flat) > 0
	case KindNested:
		if specs, ok := m.nested[syncType]; ok && len(specs) > 0 {
			return specs, true
		}
		if syncType == internal.SyncLotteryWeekly {
			specs, ok := m.nested[internal.SyncLottery]
			return specs, ok && len(specs) > 0
		}
	}
	return nil, false
}

func (m ColumnMapping) MarshalJSON() ([]byte, error) {
	switch m.kind {
	case KindFlat:
		return json.Marshal(m.flat)
	case KindNested:
		return json.Marshal(m.nested)
	default:
		return []byte("{}"), nil
	}
}

var knownSyncTypes = map[string]internal.SyncType{
	string(internal.SyncRevenue):       internal.SyncRevenue,
	string(internal.SyncLottery):       internal.SyncLottery,
	string(internal.SyncLotteryWeekly): internal.SyncLotteryWeekly,
	string(internal.SyncCashflow):      internal.SyncCashflow,
}

// ParseColumnMapping validates a stored mapping once. It accepts an object or a JSON string
// holding one, in either the flat or the nested shape.
func ParseColumnMapping(raw []byte) (ColumnMapping, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ColumnMapping{}, errors.New("empty column mapping")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return ColumnMapping{}, err
		}
		return ParseColumnMapping([]byte(inner))
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return ColumnMapping{}, fmt.Errorf("column mapping must be an object: %w", err)
	}
	if len(top) == 0 {
		return ColumnMapping{}, errors.New("empty column mapping")
	}

	objects := 0
	for _, v := range top {
		if t := bytes.TrimSpace(v); len(t) > 0 && t[0] == '{' {
			objects++
		}
	}

	if objects == 0 {
		flat := make(map[string]FieldSpec, len(top))
		for field, v := range top {
			var spec FieldSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return ColumnMapping{}, fmt.Errorf("field %s: %w", field, err)
			}
			if len(spec.Names) > 0 {
				flat[field] = spec
			}
		}
		return NewFlatMapping(flat), nil
	}
	if objects != len(top) {
		return ColumnMapping{}, errors.New("column mapping mixes flat fields and sync-type sections")
	}

	nested := make(map[internal.SyncType]map[string]FieldSpec, len(top))
	for key, v := range top {
		syncType, ok := knownSyncTypes[strings.ToLower(key)]
		if !ok {
			return ColumnMapping{}, fmt.Errorf("unknown sync type section %q", key)
		}
		var specs map[string]FieldSpec
		if err := json.Unmarshal(v, &specs); err != nil {
			return ColumnMapping{}, fmt.Errorf("section %s: %w", key, err)
		}
		nested[syncType] = specs
	}
	return NewNestedMapping(nested), nil
}
