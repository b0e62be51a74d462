// Package qos parses replica placement requests of the form
// "SE1,!SE2,disk:2,tape:1".
package qos

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Spec is a parsed placement request. Include and Exclude hold storage
// element names; Counts maps a QoS class to the number of replicas wanted.
type Spec struct {
	Include []string
	Exclude []string
	Counts  map[string]int
}

// Parse reads a comma-separated token list. A bad token rejects the whole
// request.
func Parse(s string) (Spec, error) {
	spec := Spec{Counts: make(map[string]int)}

	for _, raw := range strings.Split(s, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}

		if strings.HasPrefix(tok, "!") {
			name := strings.TrimSpace(tok[1:])
			if name == "" || strings.Contains(name, ":") {
				return Spec{}, fmt.Errorf("invalid exclude token %q", tok)
			}
			spec.Exclude = appendUnique(spec.Exclude, name)
			continue
		}

		if idx := strings.Index(tok, ":"); idx >= 0 {
			class := strings.TrimSpace(tok[:idx])
			countStr := strings.TrimSpace(tok[idx+1:])
			if class == "" {
				return Spec{}, fmt.Errorf("missing QoS class in %q", tok)
			}
			count, err := strconv.Atoi(countStr)
			if err != nil {
				return Spec{}, fmt.Errorf("invalid replica count in %q: %w", tok, err)
			}
			if count <= 0 {
				return Spec{}, fmt.Errorf("replica count must be positive in %q", tok)
			}
			spec.Counts[class] += count
			continue
		}

		spec.Include = appendUnique(spec.Include, tok)
	}

	for _, name := range spec.Include {
		if contains(spec.Exclude, name) {
			return Spec{}, fmt.Errorf("storage element %s is both included and excluded", name)
		}
	}

	return spec, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Spec {
	spec, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return spec
}

// DesiredTotal is the number of replicas the spec asks for.
func (s Spec) DesiredTotal() int {
	total := len(s.Include)
	for _, n := range s.Counts {
		total += n
	}
	return total
}

func (s Spec) IsEmpty() bool {
	return s.DesiredTotal() == 0
}

// Classes returns the requested QoS classes in a stable order.
func (s Spec) Classes() []string {
	classes := make([]string, 0, len(s.Counts))
	for c := range s.Counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

func (s Spec) Requests(class string) bool {
	_, ok := s.Counts[class]
	return ok
}

func (s Spec) Excludes(name string) bool {
	return contains(s.Exclude, name)
}

// Clone returns a deep copy.
func (s Spec) Clone() Spec {
	out := Spec{
		Include: append([]string(nil), s.Include...),
		Exclude: append([]string(nil), s.Exclude...),
		Counts:  make(map[string]int, len(s.Counts)),
	}
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	return out
}

// WithDefault returns s, or def when s asks for nothing. Excludes of s are
// kept either way.
func (s Spec) WithDefault(def Spec) Spec {
	if !s.IsEmpty() {
		return s
	}
	out := def.Clone()
	for _, ex := range s.Exclude {
		out.Exclude = appendUnique(out.Exclude, ex)
	}
	return out
}

func (s Spec) String() string {
	var parts []string
	parts = append(parts, s.Include...)
	for _, ex := range s.Exclude {
		parts = append(parts, "!"+ex)
	}
	for _, c := range s.Classes() {
		parts = append(parts, fmt.Sprintf("%s:%d", c, s.Counts[c]))
	}
	return strings.Join(parts, ",")
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
