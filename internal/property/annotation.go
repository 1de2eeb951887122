package property

// Scope identifies the population a clustering pass ran over.
type Scope string

const (
	// ScopeGlobal clusters the full record set.
	ScopeGlobal Scope = "global"

	// ScopeNeighborhood clusters each neighborhood group independently.
	ScopeNeighborhood Scope = "neighborhood"
)

// Annotation carries the derived price statistics attached to a record after
// a clustering pass. Annotations live beside the record, keyed by
// (record, scope); a record may hold a global and a neighborhood annotation
// at the same time.
type Annotation struct {
	RecordID string
	Scope    Scope

	// Neighborhood is the group the record was clustered within. Empty for
	// the global scope.
	Neighborhood string

	ClusterID        int
	ClusterMeanPrice float64
	PctDeviation     float64

	// ZScore is nil for singleton clusters, where the intra-cluster price
	// standard deviation is zero and the statistic is undefined.
	ZScore *float64
}
