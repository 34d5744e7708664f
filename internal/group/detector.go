// Package group decides when the tracked contacts form a group.
package group

import (
	"fmt"
	"net/netip"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("group")

// Policy selects the group formation rule.
type Policy string

const (
	// PolicyCardinality forms a group once enough contacts are live,
	// regardless of how they are linked.
	PolicyCardinality Policy = "cardinality"

	// PolicyMutualDegree additionally requires every live contact to be
	// mutually co-present with at least two others.
	PolicyMutualDegree Policy = "mutual-degree"
)

// MinMutualDegree is the per-member degree PolicyMutualDegree requires.
const MinMutualDegree = 2

// ParsePolicy maps a config value to a Policy. Empty selects cardinality.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyCardinality:
		return PolicyCardinality, nil
	case PolicyMutualDegree:
		return PolicyMutualDegree, nil
	default:
		return "", fmt.Errorf("unknown group policy %q", s)
	}
}

// Roster is the part of the contact registry the detector reads.
type Roster interface {
	Len() int
	Addrs() []netip.Addr
	MinMutualDegree() int
}

// Detector evaluates the formation rule. It keeps no memory of earlier
// results: every check that holds reports again.
type Detector struct {
	threshold int
	policy    Policy
}

func NewDetector(threshold int, policy Policy) *Detector {
	if policy == "" {
		policy = PolicyCardinality
	}
	return &Detector{threshold: threshold, policy: policy}
}

// Check returns the group members when the rule holds.
func (d *Detector) Check(r Roster) ([]netip.Addr, bool) {
	n := r.Len()
	if n < d.threshold {
		return nil, false
	}
	if d.policy == PolicyMutualDegree {
		if deg := r.MinMutualDegree(); deg < MinMutualDegree {
			log.Debugf("%d contacts but minimum mutual degree is %d", n, deg)
			return nil, false
		}
	}
	return r.Addrs(), true
}
