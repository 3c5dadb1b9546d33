// Package params extracts the parameters of a model in a stable order and packs their
// data or gradient views into one contiguous device buffer.
package params

import (
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/gradsync/internal/device"
)

// Param is one trainable parameter. Either view may be nil, e.g. a frozen layer has no Grad.
type Param struct {
	Data *device.Array
	Grad *device.Array
}

// Model yields its named parameters. Iteration order does not matter.
type Model interface {
	NamedParams() iter.Seq2[string, *Param]
}

// Set is a Model backed by a map.
type Set map[string]*Param

func (s Set) NamedParams() iter.Seq2[string, *Param] {
	return maps.All(s)
}

type View uint8

const (
	Data View = iota
	Grad
)

func (v View) String() string {
	if v == Data {
		return "data"
	}
	return "grad"
}

type Named struct {
	Name string
	*Param
}

// Array returns the selected view, or nil if the parameter lacks it.
func (n Named) Array(which View) *device.Array {
	if n.Param == nil {
		return nil
	}
	if which == Data {
		return n.Data
	}
	return n.Grad
}

// Extract returns the parameters whose selected view is present, sorted by name so that every
// process packs the same layout.
func Extract(m Model, which View) []Named {
	var out []Named
	for name, p := range m.NamedParams() {
		n := Named{Name: name, Param: p}
		if n.Array(which) == nil {
			continue
		}
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b Named) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Count is the total number of elements in the selected views.
func Count(ps []Named, which View) int {
	total := 0
	for _, p := range ps {
		total += p.Array(which).Len
	}
	return total
}
