package templates

import (
	"sort"
	"strings"
)

var registry = map[string]Template{}

func register(t Template) {
	if _, dup := registry[t.ID()]; dup {
		panic("templates: duplicate template " + t.ID())
	}
	registry[t.ID()] = t
}

func init() {
	register(productPromo)
	register(quoteCard)
}

func Lookup(id string) (Template, bool) {
	t, ok := registry[strings.ToLower(strings.TrimSpace(id))]
	return t, ok
}

func IDs() []string {
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
