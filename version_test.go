package txcache

import (
	"testing"
)

func TestFHIRVersion(t *testing.T) {
	tests := []struct {
		version FHIRVersion
		valid   bool
		release string
	}{
		{R4, true, "4.0.1"},
		{"R5", false, ""},
		{"", false, ""},
	}

	for _, tt := range tests {
		if got := tt.version.IsValid(); got != tt.valid {
			t.Errorf("%v.IsValid() = %v; want %v", tt.version, got, tt.valid)
		}
		if got := tt.version.Release(); got != tt.release {
			t.Errorf("%v.Release() = %q; want %q", tt.version, got, tt.release)
		}
	}

	if R4.String() != "R4" {
		t.Errorf("R4.String() = %q", R4.String())
	}
}
