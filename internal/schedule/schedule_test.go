package schedule

import (
	"fmt"
	"testing"
	"time"
)

var ref = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

func TestParseScheduleCron(t *testing.T) {
	s, err := ParseSchedule(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	if _, err := ParseSchedule(`{`); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestNextCron(t *testing.T) {
	next := CalculateNextRun(`{"kind":"cron","cron_expr":"0 9 * * *"}`, ref)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	want := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
	if next.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", next.Location())
	}
}

func TestNextInterval(t *testing.T) {
	next := CalculateNextRun(`{"kind":"interval","interval_ms":60000}`, ref)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if !next.Equal(ref.Add(time.Minute)) {
		t.Errorf("expected %v, got %v", ref.Add(time.Minute), next)
	}
}

func TestNextOnce(t *testing.T) {
	future := ref.Add(time.Hour).UnixMilli()
	if next := CalculateNextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future), ref); next == nil {
		t.Fatal("expected next run time, got nil")
	}

	past := ref.Add(-time.Hour).UnixMilli()
	if next := CalculateNextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past), ref); next != nil {
		t.Error("expected nil for past once schedule")
	}
}

func TestNextInvalid(t *testing.T) {
	if CalculateNextRun(`invalid json`, ref) != nil {
		t.Error("expected nil for invalid schedule")
	}
	if CalculateNextRun(`{"kind":"unknown"}`, ref) != nil {
		t.Error("expected nil for unknown kind")
	}
	if CalculateNextRun(`{"kind":"interval","interval_ms":0}`, ref) != nil {
		t.Error("expected nil for zero interval")
	}
}

func TestValidate(t *testing.T) {
	valid := []Schedule{
		{Kind: KindCron, CronExpr: "*/5 * * * *"},
		{Kind: KindInterval, IntervalMs: 1000},
		{Kind: KindOnce, AtMs: 1},
	}
	for _, s := range valid {
		if err := s.Validate(); err != nil {
			t.Errorf("%+v: unexpected error %v", s, err)
		}
	}
	invalid := []Schedule{
		{Kind: KindCron, CronExpr: "bad"},
		{Kind: KindInterval},
		{Kind: KindOnce},
		{Kind: "hourly"},
	}
	for _, s := range invalid {
		if err := s.Validate(); err == nil {
			t.Errorf("%+v: expected error", s)
		}
	}
}

func TestNormalizeSchedulePlainCron(t *testing.T) {
	result, err := NormalizeSchedule("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := ParseSchedule(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "*/5 * * * *" {
		t.Errorf("unexpected result: %+v", s)
	}
}

func TestNormalizeScheduleDuration(t *testing.T) {
	result, err := NormalizeSchedule("15m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"kind":"interval","interval_ms":900000}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestNormalizeSchedulePassthroughJSON(t *testing.T) {
	input := `{"kind":"interval","interval_ms":300000}`
	result, err := NormalizeSchedule(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected passthrough, got '%s'", result)
	}
}

func TestNormalizeScheduleInvalid(t *testing.T) {
	for _, in := range []string{"not a cron", `{"kind":"cron","cron_expr":"bad"}`, `{"kind":"bogus"}`, "-5m"} {
		if _, err := NormalizeSchedule(in); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}

func TestFormatSchedule(t *testing.T) {
	cases := map[string]string{
		`{"kind":"cron","cron_expr":"0 2 * * *"}`:  "Cron: 0 2 * * *",
		`{"kind":"interval","interval_ms":3600000}`: "Every hour",
		`{"kind":"interval","interval_ms":7200000}`: "Every 2 hours",
		`{"kind":"interval","interval_ms":60000}`:   "Every minute",
		`{"kind":"interval","interval_ms":300000}`:  "Every 5 minutes",
		`{"kind":"interval","interval_ms":1500}`:    "Every 1.5s",
		`garbage`: "garbage",
	}
	for in, want := range cases {
		if got := FormatSchedule(in); got != want {
			t.Errorf("FormatSchedule(%s) = %q, want %q", in, got, want)
		}
	}
}
