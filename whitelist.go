package modemmgr

import (
	"sort"
	"strings"
)

// DefaultWhitelist is used when no whitelist is configured.
var DefaultWhitelist = []string{"+19723256826", "+19723105316"}

// Whitelist is the set of caller numbers whose calls are answered.
// It is read-only after construction.
type Whitelist struct {
	numbers map[string]struct{}
}

// NormalizeNumber adds the +1 country prefix to numbers without a leading plus.
func NormalizeNumber(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, "+") {
		return number
	}
	return "+1" + number
}

// NewWhitelist normalizes numbers into a Whitelist. Blank entries are skipped.
func NewWhitelist(numbers ...string) *Whitelist {
	w := &Whitelist{numbers: make(map[string]struct{}, len(numbers))}
	for _, n := range numbers {
		if n = NormalizeNumber(n); n != "" {
			w.numbers[n] = struct{}{}
		}
	}
	return w
}

// Allowed reports whether caller is whitelisted. The caller number is
// compared as received, without normalization.
func (w *Whitelist) Allowed(caller string) bool {
	if w == nil {
		return false
	}
	_, ok := w.numbers[caller]
	return ok
}

// Len returns the number of entries.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.numbers)
}

// Numbers returns the entries in sorted order.
func (w *Whitelist) Numbers() []string {
	if w == nil {
		return nil
	}
	out := make([]string, 0, len(w.numbers))
	for n := range w.numbers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
