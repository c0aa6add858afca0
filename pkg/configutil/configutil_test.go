package configutil

import (
	"errors"
	"testing"
	"time"
)

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	schema := Schema{Required: []string{"api_key", "to"}, Optional: []string{"model"}}
	err := ValidateSettings(map[string]any{
		"API-Key": "k",
		"to":      []any{},
		"voice":   "x",
	}, schema)
	var serr *SettingsError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SettingsError, got %v", err)
	}
	if len(serr.Missing) != 1 || serr.Missing[0] != "to" {
		t.Fatalf("unexpected missing %v", serr.Missing)
	}
	if len(serr.Unknown) != 1 || serr.Unknown[0] != "voice" {
		t.Fatalf("unexpected unknown %v", serr.Unknown)
	}
	if err.Error() != "missing: to; unknown: voice" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"api_key": "k", "extra": 1}, Schema{Required: []string{"api_key"}, AllowUnknown: true})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDecodeSettingsConvertsDurationsAndLists(t *testing.T) {
	var out struct {
		Interval   time.Duration `mapstructure:"interval"`
		To         []string      `mapstructure:"to"`
		SampleRate int           `mapstructure:"sample_rate"`
	}
	err := DecodeSettings(map[string]any{
		"interval":    "250ms",
		"to":          "+1555,+1666",
		"Sample-Rate": "16000",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Interval != 250*time.Millisecond || len(out.To) != 2 || out.SampleRate != 16000 {
		t.Fatalf("unexpected decode %+v", out)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("  ", "capture.settings.api_key"); err == nil || err.Error() != "capture.settings.api_key is required" {
		t.Fatalf("unexpected error %v", err)
	}
	if err := RequireString("k", "x"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
