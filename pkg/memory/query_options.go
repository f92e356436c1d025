package memory

// DefaultRetrieveLimit is applied by RetrieveMemories when
// [SearchOptions.Limit] is zero.
const DefaultRetrieveLimit = 50

// SearchOptions configures a [Store.RetrieveMemories] query.
// All non-zero fields are applied as AND conditions.
type SearchOptions struct {
	// Category restricts results to a single category.
	// An empty string matches all categories.
	Category string

	// ProjectPath restricts results to one project scope.
	// An empty string matches all projects, including global memories.
	ProjectPath string

	// MinConfidence excludes memories with Confidence below this value.
	// Zero disables the bound.
	MinConfidence float64

	// Tags requires every listed tag to be present on a memory.
	// An empty list matches all memories.
	Tags []string

	// IncludeExpired includes memories whose ExpiresAt has passed.
	// By default expired memories are invisible.
	IncludeExpired bool

	// Limit caps the number of results returned.
	// A value of 0 applies [DefaultRetrieveLimit].
	Limit int
}

// EffectiveLimit returns the limit to apply for this query, substituting
// [DefaultRetrieveLimit] when Limit is zero. This helper lets storage
// backends share one defaulting rule instead of each hard-coding it.
func (o SearchOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultRetrieveLimit
	}
	return o.Limit
}
