// Package flow implements the conversation flow engine: session lifecycle,
// node dispatch, input-resume semantics, variable templating and condition
// evaluation.
package flow

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Rendering constants.
const (
	// MissingValue replaces any placeholder whose path cannot be resolved.
	MissingValue = "N/D"
	// GroupingThreshold is the magnitude at which numbers are rendered with
	// locale thousands-grouping.
	GroupingThreshold = 1000
)

// placeholderPattern matches {{dotted.path}} placeholders, tolerating
// surrounding whitespace inside the braces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// grouped renders numbers with Spanish-locale thousands separators.
var grouped = message.NewPrinter(language.Spanish)

// Render resolves {{dotted.path}} placeholders in template against vars.
// Missing paths yield MissingValue; a nil namespace replaces every
// placeholder. Substitution is single-pass: already-substituted text is never
// re-scanned, so braces inside variable values cannot trigger further
// substitution.
func Render(template string, vars map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(ph string) string {
		path := placeholderPattern.FindStringSubmatch(ph)[1]
		value, ok := LookupPath(vars, path)
		if !ok {
			return MissingValue
		}
		return FormatValue(value)
	})
}

// LookupPath walks a dotted path through nested maps. It returns false when
// any segment is missing or a non-map value is traversed into.
func LookupPath(vars map[string]any, path string) (any, bool) {
	if vars == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = vars
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// FormatValue renders a variable value for display. Numeric values at or
// above GroupingThreshold get locale thousands-grouping.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return MissingValue
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return formatInt(int64(v))
	case int64:
		return formatInt(v)
	case float64:
		return formatFloat(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatInt(n int64) string {
	if n >= GroupingThreshold || n <= -GroupingThreshold {
		return grouped.Sprintf("%d", n)
	}
	return strconv.FormatInt(n, 10)
}

func formatFloat(f float64) string {
	if math.Abs(f) >= GroupingThreshold {
		if f == math.Trunc(f) {
			return grouped.Sprintf("%.0f", f)
		}
		return grouped.Sprintf("%.2f", f)
	}
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// StringifyValue renders a variable value without grouping, for comparisons.
func StringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
