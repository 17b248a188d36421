package timeparsing

import (
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "+6h", want: time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)},
		{input: "-6h", want: time.Date(2025, 6, 15, 6, 0, 0, 0, time.UTC)},
		{input: "+1d", want: time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC)},
		{input: "-2w", want: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		{input: "3m", want: time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)},
		{input: "1y", want: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)},
		{input: "+365d", want: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)},
		{input: "6h+", wantErr: true},
		{input: "++1d", wantErr: true},
		{input: "1x", wantErr: true},
		{input: "6", wantErr: true},
		{input: "h", wantErr: true},
		{input: "+ 6h", wantErr: true},
		{input: "2025-01-15", wantErr: true},
		{input: "tomorrow", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCompactDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseCompactDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseCompactDurationKeepsLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("timezone America/New_York not available")
	}
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, loc)
	got, err := ParseCompactDuration("+1d", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Location() != loc {
		t.Errorf("location not preserved: got %v, want %v", got.Location(), loc)
	}
}

func TestIsCompactDuration(t *testing.T) {
	for _, s := range []string{"+6h", "-1d", "+2w", "3m", "1y"} {
		if !IsCompactDuration(s) {
			t.Errorf("IsCompactDuration(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "tomorrow", "2025-01-15", "6h+", "1x"} {
		if IsCompactDuration(s) {
			t.Errorf("IsCompactDuration(%q) = true, want false", s)
		}
	}
}

func TestParseRelativeTimeLayers(t *testing.T) {
	// Wednesday.
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	// Compact duration wins over every other layer and keeps the clock.
	got, err := ParseRelativeTime("+1d", now)
	if err != nil {
		t.Fatalf("ParseRelativeTime(+1d): %v", err)
	}
	if want := now.AddDate(0, 0, 1); !got.Equal(want) {
		t.Errorf("ParseRelativeTime(+1d) = %v, want %v", got, want)
	}

	// Date-only resolves to midnight in now's location.
	got, err = ParseRelativeTime("2025-02-01", now)
	if err != nil {
		t.Fatalf("ParseRelativeTime(2025-02-01): %v", err)
	}
	if got.Year() != 2025 || got.Month() != time.February || got.Day() != 1 || got.Hour() != 0 {
		t.Errorf("ParseRelativeTime(2025-02-01) = %v, want Feb 1 midnight", got)
	}

	got, err = ParseRelativeTime("2025-03-15T14:30:00Z", now)
	if err != nil {
		t.Fatalf("ParseRelativeTime(RFC3339): %v", err)
	}
	if got.Hour() != 14 || got.Minute() != 30 {
		t.Errorf("ParseRelativeTime(RFC3339) = %v, want 14:30", got)
	}

	if _, err := ParseRelativeTime("not-a-date", now); err == nil {
		t.Error("ParseRelativeTime(not-a-date) succeeded, want error")
	}
}
