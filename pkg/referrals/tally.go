package referrals

import "sort"

// DefaultTopN is the number of doctors kept in a ranking.
const DefaultTopN = 20

// Tally maps a doctor display name to the number of referred patients.
type Tally map[string]int

// Add increments the count for name.
func (t Tally) Add(name string) {
	t[name]++
}

// Sum returns the total of all counts.
func (t Tally) Sum() int {
	total := 0
	for _, n := range t {
		total += n
	}
	return total
}

// DoctorCount is one ranked entry. The JSON field names follow the chart
// payload consumed by the dashboard.
type DoctorCount struct {
	Name  string `json:"name"`
	Count int    `json:"value"`
}

// Rank orders the tally by descending count and truncates it to limit
// entries. Equal counts are ordered by name so repeated runs over the same
// data produce identical rankings. A limit <= 0 keeps every entry.
func Rank(t Tally, limit int) []DoctorCount {
	ranked := make([]DoctorCount, 0, len(t))
	for name, n := range t {
		ranked = append(ranked, DoctorCount{Name: name, Count: n})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Name < ranked[j].Name
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
