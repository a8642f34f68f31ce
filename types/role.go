package types

// Role is the election role of a broker process.
//
// Role is a projection of lease ownership: it is derived in-memory by the
// lease coordinator and never persisted. A broker starts as a Follower and
// becomes Leader only by acquiring the lease.
type Role int32

const (
	// RoleFollower is the initial role. Followers accept replicated appends
	// and watch the lease for vacancy.
	RoleFollower Role = iota

	// RoleLeader is held by at most one broker per lease at any instant.
	// Only the leader serves produce and consume requests.
	RoleLeader
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}
