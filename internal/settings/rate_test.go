package settings_test

import (
	"testing"

	"github.com/netmeasure/flowbench/internal/settings"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		arg   string
		value float64
		unit  settings.RateUnit
		shape settings.RateShape
	}{
		{"100", 100, settings.RateBlocks, settings.ShapePoisson},
		{"100B", 100, settings.RateBlocks, settings.ShapePoisson},
		{"100b", 100, settings.RateBytes, settings.ShapePoisson},
		{"100p", 100, settings.RateBlocks, settings.ShapePeriodic},
		{"100P", 100, settings.RateBlocks, settings.ShapePoisson},
		{"2kbp", 2048, settings.RateBytes, settings.ShapePeriodic},
		{"1M", 1 << 20, settings.RateBlocks, settings.ShapePoisson},
		{"0.5Gb", 0.5 * (1 << 30), settings.RateBytes, settings.ShapePoisson},
		{"10z", 10, settings.RateBlocks, settings.ShapePoisson},
	}
	for _, tt := range tests {
		r, err := settings.ParseRate(tt.arg)
		if err != nil {
			t.Errorf("ParseRate(%q) unexpected error = %v", tt.arg, err)
			continue
		}
		if r.Value != tt.value || r.Unit != tt.unit || r.Shape != tt.shape {
			t.Errorf("ParseRate(%q) = {%v %v %v}, want {%v %v %v}", tt.arg,
				r.Value, r.Unit, r.Shape, tt.value, tt.unit, tt.shape)
		}
	}
}

func TestParseRate_Errors(t *testing.T) {
	for _, arg := range []string{"", "x", "-1", "0", "1q", "bP"} {
		if _, err := settings.ParseRate(arg); err == nil {
			t.Errorf("ParseRate(%q) expected error, got nil", arg)
		}
	}
}

func TestRate_Conversions(t *testing.T) {
	blocks := settings.Rate{Value: 10, Unit: settings.RateBlocks}
	if got := blocks.BytesPerSecond(1000); got != 10000 {
		t.Errorf("BytesPerSecond() = %v, want 10000", got)
	}
	if got := blocks.BlocksPerSecond(1000); got != 10 {
		t.Errorf("BlocksPerSecond() = %v, want 10", got)
	}
	bytes := settings.Rate{Value: 8000, Unit: settings.RateBytes}
	if got := bytes.BytesPerSecond(1000); got != 8000 {
		t.Errorf("BytesPerSecond() = %v, want 8000", got)
	}
	if got := bytes.BlocksPerSecond(1000); got != 8 {
		t.Errorf("BlocksPerSecond() = %v, want 8", got)
	}
}
