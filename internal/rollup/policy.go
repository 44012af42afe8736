package rollup

// DefaultMaxTopCategories is the number of categories kept verbatim per level.
const DefaultMaxTopCategories = 5

// OthersLabel names the bucket that absorbs categories outside the top N.
const OthersLabel = "Others"

// Policy controls the top-N truncation. The zero value is not useful; start
// from DefaultPolicy.
type Policy struct {
	// MaxTopCategories is the number of categories kept per level for
	// non-exempt keys; the remainder is merged into Others.
	MaxTopCategories int

	// ExemptFields are never truncated: every category is kept.
	ExemptFields []string

	// ChronologicalFields are ordered by label at the last level instead of
	// by the sort measure.
	ChronologicalFields []string
}

// DefaultPolicy returns the admissions dashboard policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxTopCategories:    DefaultMaxTopCategories,
		ExemptFields:        []string{"campusName", "eventType", "separationmode", "year", "yearmon"},
		ChronologicalFields: []string{"year", "yearmon"},
	}
}

func (p Policy) isExempt(key string) bool {
	return contains(p.ExemptFields, key)
}

func (p Policy) isChronological(key string) bool {
	return contains(p.ChronologicalFields, key)
}

// topCount returns how many of n categories survive at a level keyed by key.
func (p Policy) topCount(key string, n int) int {
	if p.isExempt(key) {
		return n
	}
	return min(p.MaxTopCategories, n)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
