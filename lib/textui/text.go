// Package textui provides locale-aware progress and number formatting
// for cmd/cowtreectl's output (its tree, extent, snapshot and bench
// commands print through Fprintf), trimmed from the teacher's own lib/textui down to the pieces this
// engine's CLI actually needs: a Printer-backed Fprintf/Sprintf and a
// fractional-progress formatter.
package textui

import (
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"golang.org/x/exp/constraints"
)

var printer = message.NewPrinter(language.English)

// Fprintf is fmt.Fprintf with golang.org/x/text/message's locale-aware
// number formatting (thousands separators, etc.) layered in.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is fmt.Sprintf with the same locale-aware formatting.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}

// Portion renders a fraction N/D as both a percentage and
// parenthetically as the exact fractional value with human-friendly
// comma grouping, e.g. "0% (1/12,345)". No cowtreectl command prints
// one.
type Portion[T constraints.Integer] struct {
	N, D T
}

var _ fmt.Stringer = Portion[int]{}

func (p Portion[T]) String() string {
	pct := float64(1)
	if p.D > 0 {
		pct = float64(p.N) / float64(p.D)
	}
	return printer.Sprintf("%v (%v/%v)", number.Percent(pct), uint64(p.N), uint64(p.D))
}
