package util

import "sort"

// StringSet is a set of strings.
type StringSet map[string]bool

// NewStringSet returns a StringSet holding every string in the given lists.
func NewStringSet(lists ...[]string) StringSet {
	ret := StringSet{}
	for _, list := range lists {
		for _, s := range list {
			ret[s] = true
		}
	}
	return ret
}

// Union returns a new set with the members of both s and other.
func (s StringSet) Union(other StringSet) StringSet {
	ret := make(StringSet, len(s)+len(other))
	for k := range s {
		ret[k] = true
	}
	for k := range other {
		ret[k] = true
	}
	return ret
}

// Keys returns the members of the set, sorted.
func (s StringSet) Keys() []string {
	ret := make([]string, 0, len(s))
	for k := range s {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
