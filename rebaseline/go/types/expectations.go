package types

import (
	"fmt"
	"sort"
	"strings"
)

// Expectations is a map[test][config]Checksum holding the expected result of
// every test for one builder.
type Expectations map[TestName]map[string]Checksum

// Set sets the expected checksum of a test/config pair, overwriting any
// previous value.
func (e Expectations) Set(test TestName, config string, c Checksum) {
	if testEntry, ok := e[test]; ok {
		testEntry[config] = c
	} else {
		e[test] = map[string]Checksum{config: c}
	}
}

// Merge copies other into e, letting other overwrite existing entries.
func (e Expectations) Merge(other Expectations) {
	for test, configs := range other {
		for config, c := range configs {
			e.Set(test, config, c)
		}
	}
}

// DeepCopy makes a deep copy of the expectations.
func (e Expectations) DeepCopy() Expectations {
	ret := make(Expectations, len(e))
	ret.Merge(e)
	return ret
}

// Get returns the expected checksum for the test/config pair, if any.
func (e Expectations) Get(test TestName, config string) (Checksum, bool) {
	c, ok := e[test][config]
	return c, ok
}

// String returns an alphabetically sorted representation.
func (e Expectations) String() string {
	names := make([]string, 0, len(e))
	for test := range e {
		names = append(names, string(test))
	}
	sort.Strings(names)
	s := strings.Builder{}
	for _, test := range names {
		configMap := e[TestName(test)]
		configs := make([]string, 0, len(configMap))
		for c := range configMap {
			configs = append(configs, c)
		}
		sort.Strings(configs)
		_, _ = fmt.Fprintf(&s, "%s:\n", test)
		for _, c := range configs {
			_, _ = fmt.Fprintf(&s, "\t%s : %s\n", c, configMap[c])
		}
	}
	return s.String()
}

// Edit is one change to the expectations, as submitted by a reviewer.
type Edit struct {
	Builder  string   `json:"builder"`
	Test     TestName `json:"test"`
	Config   string   `json:"config"`
	Expected Checksum `json:"expected"`
}

// ApplyEdits returns per-builder expectations after applying edits on top of
// base. base is not modified.
func ApplyEdits(base map[string]Expectations, edits []Edit) map[string]Expectations {
	ret := make(map[string]Expectations, len(base))
	for builder, exp := range base {
		ret[builder] = exp.DeepCopy()
	}
	for _, edit := range edits {
		exp, ok := ret[edit.Builder]
		if !ok {
			exp = Expectations{}
			ret[edit.Builder] = exp
		}
		exp.Set(edit.Test, edit.Config, edit.Expected)
	}
	return ret
}
