package store

import (
	"math"

	"github.com/tidwall/gjson"
)

// Accumulator folds documents into an AggregateResult. Backends without a
// native aggregation use it directly.
type Accumulator struct {
	field  string
	result AggregateResult
}

// NewAccumulator returns an accumulator for the given field path
func NewAccumulator(field string) *Accumulator {
	return &Accumulator{
		field: field,
		result: AggregateResult{
			Min: math.Inf(1),
			Max: math.Inf(-1),
		},
	}
}

// Add folds one document body
func (a *Accumulator) Add(data []byte) {
	a.result.Count++
	v := gjson.GetBytes(data, a.field)
	if v.Type != gjson.Number {
		return
	}
	n := v.Float()
	a.result.Present++
	a.result.Sum += n
	a.result.Min = math.Min(a.result.Min, n)
	a.result.Max = math.Max(a.result.Max, n)
}

// Result returns the folded summary
func (a *Accumulator) Result() *AggregateResult {
	out := a.result
	if out.Present == 0 {
		out.Min, out.Max = 0, 0
		return &out
	}
	out.Avg = out.Sum / float64(out.Present)
	return &out
}
