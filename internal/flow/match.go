package flow

import (
	"strconv"
	"strings"

	"github.com/finteca/cobraflow/internal/models"
)

// MatchMenuOption resolves a user reply to a menu option index. Matching
// order: 1-based numeric index, option id, option value, exact label, label
// substring. Returns false when nothing matches.
func MatchMenuOption(options []models.MenuOption, reply string) (int, bool) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return 0, false
	}

	// Out-of-range numerals fall through: an option id or value may itself
	// be a numeral.
	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(options) {
		return n - 1, true
	}

	for i, opt := range options {
		if strings.EqualFold(opt.ID, reply) || (opt.Value != "" && strings.EqualFold(opt.Value, reply)) {
			return i, true
		}
	}
	for i, opt := range options {
		if strings.EqualFold(opt.Label, reply) {
			return i, true
		}
	}
	lower := strings.ToLower(reply)
	for i, opt := range options {
		if strings.Contains(strings.ToLower(opt.Label), lower) {
			return i, true
		}
	}
	return 0, false
}

// MatchButton resolves a user reply to a button index. Matching order:
// 1-based numeric index, then exact id/text/value (case-insensitive), then
// substring in either direction.
func MatchButton(buttons []models.ButtonOption, reply string) (int, bool) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return 0, false
	}

	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(buttons) {
		return n - 1, true
	}

	for i, b := range buttons {
		if strings.EqualFold(b.ID, reply) || strings.EqualFold(b.Text, reply) ||
			(b.Value != "" && strings.EqualFold(b.Value, reply)) {
			return i, true
		}
	}
	lower := strings.ToLower(reply)
	for i, b := range buttons {
		text := strings.ToLower(b.Text)
		if strings.Contains(text, lower) || strings.Contains(lower, text) {
			return i, true
		}
	}
	return 0, false
}
