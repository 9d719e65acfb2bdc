// Package column describes the columns of a report: how each column header is
// shown, and which values appear in it how often.
package column

import (
	"encoding/json"
	"sort"

	"go.skia.org/rebaseline/go/skerr"
)

// Well known column IDs.
const (
	BUILDER     = "builder"
	TEST        = "test"
	CONFIG      = "config"
	RESULT_TYPE = "resultType"
	TILE        = "tile"
)

// HeaderFactory describes how to show one column.
type HeaderFactory struct {
	HeaderText        string
	HeaderURL         string
	IsFilterable      bool
	IsSortable        bool
	UseFreeformFilter bool
}

// NewHeaderFactory returns a filterable, sortable header with the given text.
func NewHeaderFactory(headerText string) HeaderFactory {
	return HeaderFactory{
		HeaderText:   headerText,
		IsFilterable: true,
		IsSortable:   true,
	}
}

// ValueCount is one entry of a header's valuesAndCounts. It serializes as
// [value, count].
type ValueCount struct {
	Value string
	Count int
}

func (v ValueCount) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{v.Value, v.Count})
}

func (v *ValueCount) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return skerr.Wrapf(err, "value count must be a [value, count] array")
	}
	if len(raw) != 2 {
		return skerr.Fmt("value count must have 2 elements, got %d", len(raw))
	}
	var value string
	if err := json.Unmarshal(raw[0], &value); err != nil {
		return skerr.Wrapf(err, "value of value count")
	}
	var count int
	if err := json.Unmarshal(raw[1], &count); err != nil {
		return skerr.Wrapf(err, "count of value count")
	}
	v.Value = value
	v.Count = count
	return nil
}

// Header is the serialized form of a column header.
type Header struct {
	HeaderText        string       `json:"headerText"`
	HeaderURL         string       `json:"headerUrl,omitempty"`
	IsFilterable      bool         `json:"isFilterable"`
	IsSortable        bool         `json:"isSortable"`
	UseFreeformFilter bool         `json:"useFreeformFilter"`
	ValuesAndCounts   []ValueCount `json:"valuesAndCounts"`
}

// Create returns the header for the given tallies, values sorted
// lexicographically.
func (f HeaderFactory) Create(valuesAndCounts map[string]int) Header {
	vc := make([]ValueCount, 0, len(valuesAndCounts))
	for v, c := range valuesAndCounts {
		vc = append(vc, ValueCount{Value: v, Count: c})
	}
	sort.Slice(vc, func(i, j int) bool { return vc[i].Value < vc[j].Value })
	return Header{
		HeaderText:        f.HeaderText,
		HeaderURL:         f.HeaderURL,
		IsFilterable:      f.IsFilterable,
		IsSortable:        f.IsSortable,
		UseFreeformFilter: f.UseFreeformFilter,
		ValuesAndCounts:   vc,
	}
}
