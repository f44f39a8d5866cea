package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value        string
		defaultValue bool
		want         bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"off", true, false},
		{"", true, true},
		{"", false, false},
		{"banana", true, true},
		{" true ", false, true},
	}
	for _, tc := range cases {
		t.Setenv("COBRAFLOW_TEST_BOOL", tc.value)
		if got := ParseBoolEnv("COBRAFLOW_TEST_BOOL", tc.defaultValue); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.defaultValue, got, tc.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	cases := []struct {
		value        string
		defaultValue int
		want         int
	}{
		{"42", 0, 42},
		{" 7 ", 0, 7},
		{"-3", 0, -3},
		{"", 30, 30},
		{"nope", 30, 30},
	}
	for _, tc := range cases {
		t.Setenv("COBRAFLOW_TEST_INT", tc.value)
		if got := ParseIntEnv("COBRAFLOW_TEST_INT", tc.defaultValue); got != tc.want {
			t.Errorf("ParseIntEnv(%q, %d) = %d, want %d", tc.value, tc.defaultValue, got, tc.want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty("", "", "x", "y"); got != "x" {
		t.Errorf("FirstNonEmpty() = %q, want x", got)
	}
	if got := FirstNonEmpty(); got != "" {
		t.Errorf("FirstNonEmpty() with no args = %q, want empty", got)
	}
}
