package database

import (
	"testing"
	"time"
)

func TestToPgText(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"", "", false},
		{"   ", "", false},
		{"ABIDJAN", "ABIDJAN", true},
		{"  Bouaké ", "Bouaké", true},
	}
	for _, tt := range tests {
		got := toPgText(tt.in)
		if got.Valid != tt.valid || got.String != tt.want {
			t.Errorf("toPgText(%q) = %+v, want %q valid=%v", tt.in, got, tt.want, tt.valid)
		}
		if back := fromPgText(got); back != tt.want {
			t.Errorf("fromPgText(toPgText(%q)) = %q, want %q", tt.in, back, tt.want)
		}
	}
}

func TestToPgDate(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"1990-03-15", true},
		{" 2001-12-31 ", true},
		{"", false},
		{"15/03/1990", false},
		{"1990-02-30", false},
	}
	for _, tt := range tests {
		got := toPgDate(tt.in)
		if got.Valid != tt.valid {
			t.Errorf("toPgDate(%q).Valid = %v, want %v", tt.in, got.Valid, tt.valid)
		}
	}

	if got := fromPgDate(toPgDate("1990-03-15")); got != "1990-03-15" {
		t.Errorf("date round trip = %q", got)
	}
	if got := fromPgDate(toPgDate("")); got != "" {
		t.Errorf("NULL date = %q, want empty", got)
	}
}

func TestToPgTimestamptz(t *testing.T) {
	if toPgTimestamptz(time.Time{}).Valid {
		t.Error("zero time should be NULL")
	}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := toPgTimestamptz(now); !got.Valid || !got.Time.Equal(now) {
		t.Errorf("toPgTimestamptz = %+v", got)
	}
}

func TestPgUUID(t *testing.T) {
	const id = "6f1c2b1e-8c4c-4b7a-9d0e-2f3a4b5c6d7e"
	if got := fromPgUUID(toPgUUID(id)); got != id {
		t.Errorf("uuid round trip = %q, want %q", got, id)
	}
	if toPgUUID("not-a-uuid").Valid {
		t.Error("malformed uuid should be invalid")
	}
	if fromPgUUID(toPgUUID("")) != "" {
		t.Error("empty uuid should map back to empty")
	}
}
