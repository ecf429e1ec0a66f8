package snapshots

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindInteger
	// kindIdentifier accepts a string or an integral number and yields a string.
	kindIdentifier
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindInteger:
		return "number"
	case kindIdentifier:
		return "string or number"
	default:
		return "unknown"
	}
}

type fieldSpec struct {
	name string
	kind fieldKind
}

// Schema lists the fields an upstream row must carry to be stored.
type Schema struct {
	resource string
	required []fieldSpec
}

// Row is a decoded upstream element that passed its schema check.
type Row struct {
	values map[string]any
}

// RowError names the first field that disqualified an upstream element.
type RowError struct {
	Index  int
	Field  string
	Reason string
}

func (e RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("row %d: field %q %s", e.Index, e.Field, e.Reason)
}

// RowResult is the tagged outcome of checking one element.
type RowResult struct {
	Row Row
	Err *RowError
}

var (
	teacherSchema = Schema{resource: ResourceTeachers, required: []fieldSpec{
		{name: "tid", kind: kindIdentifier},
		{name: "firstname", kind: kindString},
		{name: "lastname", kind: kindString},
	}}
	hourSchema = Schema{resource: ResourceHours, required: []fieldSpec{
		{name: "day", kind: kindString},
		{name: "hour", kind: kindInteger},
		{name: "room", kind: kindString},
		{name: "teacher", kind: kindString},
		{name: "slimit", kind: kindInteger},
		{name: "fullname", kind: kindString},
	}}
	subjectSchema = Schema{resource: ResourceSubjects, required: []fieldSpec{
		{name: "subject", kind: kindString},
	}}
	specialScheduleSchema = Schema{resource: ResourceSpecialSchedule, required: []fieldSpec{
		{name: "teacher", kind: kindString},
		{name: "day", kind: kindString},
		{name: "hour", kind: kindInteger},
		{name: "start_date", kind: kindString},
		{name: "end_date", kind: kindString},
	}}
)

// Check decodes and validates every element, preserving order.
func (s Schema) Check(elements []json.RawMessage) []RowResult {
	results := make([]RowResult, len(elements))
	for index, element := range elements {
		row, err := s.checkOne(index, element)
		if err != nil {
			results[index] = RowResult{Err: err}
			continue
		}
		results[index] = RowResult{Row: row}
	}
	return results
}

func (s Schema) checkOne(index int, element json.RawMessage) (Row, *RowError) {
	decoder := json.NewDecoder(bytes.NewReader(element))
	decoder.UseNumber()

	var values map[string]any
	if err := decoder.Decode(&values); err != nil || values == nil {
		return Row{}, &RowError{Index: index, Reason: "is not an object"}
	}

	for _, field := range s.required {
		raw, present := values[field.name]
		if !present || raw == nil {
			return Row{}, &RowError{Index: index, Field: field.name, Reason: "is missing"}
		}
		if !matchesKind(raw, field.kind) {
			return Row{}, &RowError{Index: index, Field: field.name, Reason: "is not a " + field.kind.String()}
		}
	}
	return Row{values: values}, nil
}

func matchesKind(value any, kind fieldKind) bool {
	switch kind {
	case kindString:
		_, ok := value.(string)
		return ok
	case kindInteger:
		_, ok := integerValue(value)
		return ok
	case kindIdentifier:
		if _, ok := value.(string); ok {
			return true
		}
		_, ok := integerValue(value)
		return ok
	default:
		return false
	}
}

func integerValue(value any) (int64, bool) {
	number, ok := value.(json.Number)
	if !ok {
		return 0, false
	}
	if parsed, err := number.Int64(); err == nil {
		return parsed, true
	}
	parsed, err := number.Float64()
	if err != nil || parsed != math.Trunc(parsed) {
		return 0, false
	}
	if parsed < math.MinInt64 || parsed >= math.MaxInt64 {
		return 0, false
	}
	return int64(parsed), true
}

func (r Row) String(name string) string {
	switch value := r.values[name].(type) {
	case string:
		return value
	case json.Number:
		if parsed, ok := integerValue(value); ok {
			return strconv.FormatInt(parsed, 10)
		}
		return value.String()
	default:
		return ""
	}
}

// OptionalString yields nil when the field is absent, null, or not a string.
func (r Row) OptionalString(name string) *string {
	value, ok := r.values[name].(string)
	if !ok {
		return nil
	}
	return &value
}

// Int yields zero when the field is absent or not an integral number.
func (r Row) Int(name string) int {
	parsed, _ := integerValue(r.values[name])
	return int(parsed)
}

// Bool coerces the field by truthiness: false, 0, "", null, and absence are false.
func (r Row) Bool(name string) bool {
	switch value := r.values[name].(type) {
	case bool:
		return value
	case string:
		return value != ""
	case json.Number:
		parsed, err := value.Float64()
		return err == nil && parsed != 0
	case nil:
		return false
	default:
		return true
	}
}
