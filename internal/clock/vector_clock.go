package clock

// VectorClock maps replica IDs to logical counters
type VectorClock map[string]uint64

// ComparisonResult is the relationship between two vector clocks
type ComparisonResult int

const (
	Equal ComparisonResult = iota
	Before
	After
	Concurrent
)

func (r ComparisonResult) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// NewVectorClock returns an empty clock
func NewVectorClock() VectorClock { return make(VectorClock) }

// Increment increments a replica counter on the vector clock
func Increment(clock VectorClock, replicaID string) VectorClock {
	if clock == nil {
		clock = make(VectorClock)
	}
	clock[replicaID] = clock[replicaID] + 1
	return clock
}

// Max merges two vector clocks pointwise (take max per replica)
func Max(clock1, clock2 VectorClock) VectorClock {
	merged := make(VectorClock)
	for k, v := range clock1 {
		merged[k] = v
	}
	for k, v := range clock2 {
		if existing, ok := merged[k]; !ok || v > existing {
			merged[k] = v
		}
	}
	return merged
}

// Merge takes the pointwise max of both clocks, then increments the local
// entry. Incrementing even before any local write keeps every subsequent
// write causally after the received state.
func Merge(local, remote VectorClock, replicaID string) VectorClock {
	return Increment(Max(local, remote), replicaID)
}

// Compare returns Equal|Before|After|Concurrent over the union of replica
// ids, treating missing entries as 0.
func Compare(clock1, clock2 VectorClock) ComparisonResult {
	hasGreater, hasLess := false, false

	allKeys := make(map[string]struct{})
	for k := range clock1 {
		allKeys[k] = struct{}{}
	}
	for k := range clock2 {
		allKeys[k] = struct{}{}
	}

	for k := range allKeys {
		v1 := clock1[k]
		v2 := clock2[k]

		if v1 > v2 {
			hasGreater = true
		}
		if v1 < v2 {
			hasLess = true
		}
	}

	switch {
	case !hasGreater && !hasLess:
		return Equal
	case hasGreater && !hasLess:
		return After
	case hasLess && !hasGreater:
		return Before
	default:
		return Concurrent
	}
}

// Dominates returns true if clock1 is causally at or past clock2
func Dominates(clock1, clock2 VectorClock) bool {
	c := Compare(clock1, clock2)
	return c == After || c == Equal
}

// IsDominatedBy returns true if clock1 is causally at or behind clock2
func IsDominatedBy(clock1, clock2 VectorClock) bool {
	c := Compare(clock1, clock2)
	return c == Before || c == Equal
}

// IsConcurrentWith returns true when neither clock dominates the other
func IsConcurrentWith(clock1, clock2 VectorClock) bool {
	return Compare(clock1, clock2) == Concurrent
}

// Clone returns a shallow copy
func Clone(clock VectorClock) VectorClock {
	if clock == nil {
		return nil
	}
	copy := make(VectorClock, len(clock))
	for k, v := range clock {
		copy[k] = v
	}
	return copy
}
