package snapshots

import (
	"encoding/json"
	"testing"
)

func rawElements(t *testing.T, body string) []json.RawMessage {
	t.Helper()
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(body), &elements); err != nil {
		t.Fatalf("invalid fixture: %v", err)
	}
	return elements
}

func TestSchemaCheckNamesFailingField(t *testing.T) {
	elements := rawElements(t, `[
		{"day":"Mo","hour":1,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"},
		{"day":"Mo","room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"},
		{"day":"Mo","hour":"1","room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"},
		{"day":"Mo","hour":1.5,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"},
		{"day":"Mo","hour":2,"room":null,"teacher":"T1","slimit":20,"fullname":"Ada"},
		"not-an-object",
		null
	]`)

	results := hourSchema.Check(elements)
	if len(results) != len(elements) {
		t.Fatalf("expected %d results, got %d", len(elements), len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("expected first row to pass, got %v", results[0].Err)
	}

	expectations := []struct {
		index int
		field string
	}{
		{index: 1, field: "hour"},
		{index: 2, field: "hour"},
		{index: 3, field: "hour"},
		{index: 4, field: "room"},
		{index: 5, field: ""},
		{index: 6, field: ""},
	}
	for _, expected := range expectations {
		rowErr := results[expected.index].Err
		if rowErr == nil {
			t.Fatalf("expected row %d to fail", expected.index)
		}
		if rowErr.Field != expected.field {
			t.Fatalf("row %d: expected field %q, got %q", expected.index, expected.field, rowErr.Field)
		}
		if rowErr.Index != expected.index {
			t.Fatalf("row %d: index not preserved, got %d", expected.index, rowErr.Index)
		}
	}
}

func TestIntegerFieldsRejectOutOfRangeNumbers(t *testing.T) {
	elements := rawElements(t, `[
		{"day":"Mo","hour":2.0,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"},
		{"day":"Mo","hour":1e19,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"},
		{"day":"Mo","hour":-1e19,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"}
	]`)

	results := hourSchema.Check(elements)
	if results[0].Err != nil {
		t.Fatalf("expected integral float to pass, got %v", results[0].Err)
	}
	if hour := results[0].Row.Int("hour"); hour != 2 {
		t.Fatalf("expected hour 2, got %d", hour)
	}
	for _, index := range []int{1, 2} {
		rowErr := results[index].Err
		if rowErr == nil || rowErr.Field != "hour" {
			t.Fatalf("row %d: expected hour rejection, got %v", index, rowErr)
		}
	}
}

func TestTeacherIdentifierAcceptsStringOrNumber(t *testing.T) {
	elements := rawElements(t, `[
		{"tid":42,"firstname":"Ada","lastname":"Lovelace"},
		{"tid":"T7","firstname":"Alan","lastname":"Turing","email":"alan@example.com"},
		{"tid":true,"firstname":"Bad","lastname":"Row"}
	]`)

	results := teacherSchema.Check(elements)
	if results[0].Err != nil || results[1].Err != nil {
		t.Fatalf("expected first two rows to pass: %v %v", results[0].Err, results[1].Err)
	}
	if results[2].Err == nil || results[2].Err.Field != "tid" {
		t.Fatalf("expected boolean tid to fail on tid, got %v", results[2].Err)
	}

	numeric := teacherFromRow(results[0].Row)
	if numeric.TID != "42" {
		t.Fatalf("expected numeric tid to become \"42\", got %q", numeric.TID)
	}
	if numeric.Email != nil || numeric.Username != nil || numeric.AreaOfExpertise != nil {
		t.Fatalf("expected absent optional fields to be nil")
	}
	named := teacherFromRow(results[1].Row)
	if named.Email == nil || *named.Email != "alan@example.com" {
		t.Fatalf("expected email to be carried over")
	}
}

func TestHourNormalizationCoercesConsultation(t *testing.T) {
	elements := rawElements(t, `[
		{"day":"Mo","hour":1,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada","consultation":1},
		{"day":"Mo","hour":2,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada","consultation":0},
		{"day":"Mo","hour":3,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada","consultation":true},
		{"day":"Mo","hour":4,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"}
	]`)

	expected := []bool{true, false, true, false}
	for index, result := range hourSchema.Check(elements) {
		if result.Err != nil {
			t.Fatalf("row %d: unexpected error %v", index, result.Err)
		}
		hour := hourFromRow(result.Row)
		if hour.Consultation != expected[index] {
			t.Fatalf("row %d: expected consultation %v, got %v", index, expected[index], hour.Consultation)
		}
		if hour.Hour != index+1 {
			t.Fatalf("row %d: expected hour %d, got %d", index, index+1, hour.Hour)
		}
	}
}

func TestSpecialScheduleDefaults(t *testing.T) {
	elements := rawElements(t, `[{"teacher":"T1","day":"Mo","hour":3,"start_date":"2024-01-01","end_date":"2024-06-01"}]`)

	results := specialScheduleSchema.Check(elements)
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	entry := specialScheduleFromRow(results[0].Row)
	if entry.Slimit != 0 {
		t.Fatalf("expected slimit to default to 0, got %d", entry.Slimit)
	}
	if entry.Room != nil || entry.Fullname != nil || entry.AreaOfExpertise != nil {
		t.Fatalf("expected optional fields to default to nil")
	}
}

func TestDedupeKeepsLastOccurrence(t *testing.T) {
	elements := rawElements(t, `[
		{"subject":"M","longname":"Maths"},
		{"subject":"E"},
		{"subject":"M","longname":"Mathematics"}
	]`)
	var rows []Row
	for _, result := range subjectSchema.Check(elements) {
		rows = append(rows, result.Row)
	}

	subjects := dedupe(rows, subjectFromRow, func(s Subject) string { return s.Subject })
	if len(subjects) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(subjects))
	}
	if subjects[0].Subject != "M" || subjects[0].Longname == nil || *subjects[0].Longname != "Mathematics" {
		t.Fatalf("expected last occurrence of M to win, got %#v", subjects[0])
	}
}
