// Package rollup builds the hierarchical "top N + Others" aggregation shown
// on the admissions dashboard.
//
// At every level of the key chain the working subset is grouped by the
// current key, ranked by the sort measure and truncated: the top categories
// keep their value, the rest are merged into a single Others bucket. Every
// label is annotated with its percentage share at that level, and the
// relabeled subset is partitioned and recursed into for the next key. Each
// level works on freshly built slices, so the input dataset is never
// modified and an Aggregator can be shared between requests.
package rollup

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"admissions/internal/core"
)

// Aggregator computes rollups under a fixed Policy. It holds no mutable
// state and is safe for concurrent use.
type Aggregator struct {
	policy Policy
}

// New returns an Aggregator for the given policy.
func New(policy Policy) *Aggregator {
	if policy.MaxTopCategories <= 0 {
		policy.MaxTopCategories = DefaultMaxTopCategories
	}
	return &Aggregator{policy: policy}
}

// Policy returns the truncation policy in effect.
func (a *Aggregator) Policy() Policy {
	return a.policy
}

// labeled is a record together with the relabeled values of the keys
// processed so far. labels[i] belongs to keys[i].
type labeled struct {
	rec    *core.Record
	labels []string
}

type group struct {
	value    string
	rows     []labeled
	measures core.Measures
}

// Aggregate rolls ds up along keys, ranking categories by sortOn.
//
// An empty key chain fails with core.ErrEmptyKeyChain before anything else
// is inspected; unknown keys or a sort column that is not a measure fail
// with core.ErrUnknownField. An empty dataset yields an empty rollup.
func (a *Aggregator) Aggregate(ds *core.Dataset, keys []string, sortOn core.Measure) (*core.Rollup, error) {
	if len(keys) == 0 {
		return nil, core.ErrEmptyKeyChain
	}
	if ds == nil {
		return nil, core.ErrNoDataset
	}
	if _, err := core.ParseMeasure(string(sortOn)); err != nil {
		return nil, err
	}
	if err := ds.ValidateKeys(keys); err != nil {
		return nil, err
	}

	out := &core.Rollup{
		Keys:   append([]string(nil), keys...),
		SortOn: sortOn,
		Rows:   []core.RollupRow{},
	}
	if ds.Len() == 0 {
		return out, nil
	}

	subset := make([]labeled, len(ds.Records))
	for i := range ds.Records {
		subset[i] = labeled{rec: &ds.Records[i]}
	}

	rows := a.level(subset, 0, out.Keys, sortOn)
	for i := range rows {
		rows[i].Index = i
	}
	out.Rows = rows
	return out, nil
}

// level processes keys[depth] over rows and returns the finished rollup rows
// for this subset.
func (a *Aggregator) level(rows []labeled, depth int, keys []string, sortOn core.Measure) []core.RollupRow {
	key := keys[depth]

	groups := groupBy(rows, func(r labeled) string { return r.rec.Dims[key] })
	sortByMeasure(groups, sortOn)

	top := a.policy.topCount(key, len(groups))

	var total float64
	for _, g := range groups {
		if v := g.measures.Get(sortOn); !math.IsNaN(v) {
			total += v
		}
	}

	// partition index per category value; Others takes the slot after the top ones
	slot := make(map[string]int, len(groups))
	labels := make([]string, 0, top+1)
	sum := decimal.Zero
	for i := 0; i < top; i++ {
		pct := Percent(groups[i].measures.Get(sortOn), total)
		sum = sum.Add(pct)
		slot[groups[i].value] = i
		labels = append(labels, Label(groups[i].value, pct))
	}
	if top < len(groups) {
		others := decimal.NewFromInt(100).Sub(sum)
		for _, g := range groups[top:] {
			slot[g.value] = top
		}
		labels = append(labels, Label(OthersLabel, others))
	}

	partitions := make([][]labeled, len(labels))
	for _, r := range rows {
		i := slot[r.rec.Dims[key]]
		partitions[i] = append(partitions[i], relabel(r, labels[i]))
	}

	if depth < len(keys)-1 {
		var out []core.RollupRow
		for _, p := range partitions {
			out = append(out, a.level(p, depth+1, keys, sortOn)...)
		}
		return out
	}
	return a.leaves(partitions, key, sortOn)
}

// leaves turns the partitions of the last key into rollup rows. Earlier
// labels are constant within the subset, so each partition is exactly one
// combination of the full key chain.
func (a *Aggregator) leaves(partitions [][]labeled, key string, sortOn core.Measure) []core.RollupRow {
	rows := make([]core.RollupRow, 0, len(partitions))
	for _, p := range partitions {
		if len(p) == 0 {
			continue
		}
		rows = append(rows, core.RollupRow{
			Labels:   append([]string(nil), p[0].labels...),
			Measures: aggregate(p),
		})
	}

	if len(rows) == 0 {
		return rows
	}

	if a.policy.isChronological(key) {
		last := len(rows[0].Labels) - 1
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].Labels[last] < rows[j].Labels[last]
		})
	} else {
		sort.SliceStable(rows, func(i, j int) bool {
			return greater(rows[i].Measures.Get(sortOn), rows[j].Measures.Get(sortOn))
		})
	}

	var total float64
	for _, r := range rows {
		if v := r.Measures.Get(sortOn); !math.IsNaN(v) {
			total += v
		}
	}
	for i := range rows {
		rows[i].Share = Percent(rows[i].Measures.Get(sortOn), total)
	}
	return rows
}

// groupBy groups rows by key in first-seen order and aggregates each group.
func groupBy(rows []labeled, key func(labeled) string) []group {
	index := make(map[string]int)
	var groups []group
	for _, r := range rows {
		k := key(r)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{value: k})
		}
		groups[i].rows = append(groups[i].rows, r)
	}
	for i := range groups {
		groups[i].measures = aggregate(groups[i].rows)
	}
	return groups
}

// aggregate sums the total measures and averages the mean measures, skipping
// missing values. A mean without any value stays missing.
func aggregate(rows []labeled) core.Measures {
	var out core.Measures
	for _, m := range core.AllMeasures {
		var sum float64
		var n int
		for _, r := range rows {
			if v := r.rec.Measures.Get(m); !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		switch {
		case !m.IsMean():
			out.Set(m, sum)
		case n == 0:
			out.Set(m, math.NaN())
		default:
			out.Set(m, sum/float64(n))
		}
	}
	return out
}

func sortByMeasure(groups []group, m core.Measure) {
	sort.SliceStable(groups, func(i, j int) bool {
		return greater(groups[i].measures.Get(m), groups[j].measures.Get(m))
	})
}

// greater orders descending with missing values last.
func greater(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a > b
}

func relabel(r labeled, label string) labeled {
	labels := make([]string, len(r.labels)+1)
	copy(labels, r.labels)
	labels[len(r.labels)] = label
	return labeled{rec: r.rec, labels: labels}
}
