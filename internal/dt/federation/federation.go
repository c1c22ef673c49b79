// Package federation implements a sharing-policy registry consulted by
// the Federated Planner when it considers a cross-federation fallback
// assignment. It is narrowed from the fabric's federation-membership
// lifecycle (create/approve/suspend/dissolve an organization's private
// cluster) down to the subset a digital twin actually needs: federations
// here are derived labels (Node.Labels.Federation, or the zone/site/rack/region
// fallback chain), not entities with their own admin/join workflow, so
// there is nothing to approve or dissolve — only a policy to consult.
package federation

import "sync"

// SharingPolicy controls whether a federation's spare capacity is visible
// to the planners as a fallback target for jobs originating elsewhere.
type SharingPolicy int

const (
	// ShareNothing means jobs originating in another federation may never
	// fall back onto this one's nodes, even if local capacity is free.
	ShareNothing SharingPolicy = iota
	// ShareSpare (the default) allows cross-federation fallback.
	// CanFallbackAcross treats ShareSpare and ShareAll identically: for
	// both, the home federation's DataSovereignty and this federation's
	// AllowedPartners still apply.
	ShareSpare
	// ShareAll allows cross-federation fallback on the same terms as
	// ShareSpare.
	ShareAll
)

func (p SharingPolicy) String() string {
	switch p {
	case ShareNothing:
		return "NONE"
	case ShareAll:
		return "ALL"
	default:
		return "SPARE"
	}
}

// Policy is one federation's sharing configuration.
type Policy struct {
	SharingPolicy SharingPolicy
	// DataSovereignty, when true, forbids ANY placement outside this
	// federation for jobs that originate in it — stronger than
	// SharingPolicy, which only governs whether OTHER federations' jobs
	// may land here.
	DataSovereignty bool
	// AllowedPartners, when non-empty, restricts cross-federation
	// fallback to exactly these federation names (an explicit allow-list
	// rather than "any federation with ShareSpare/ShareAll").
	AllowedPartners []string
}

var defaultPolicy = Policy{SharingPolicy: ShareSpare}

// Registry holds per-federation sharing policies. Unconfigured
// federations get defaultPolicy (ShareSpare, no sovereignty restriction).
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// SetPolicy registers or replaces a federation's sharing policy.
func (r *Registry) SetPolicy(federation string, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[federation] = policy
}

// Policy returns a federation's configured policy, or defaultPolicy if
// none was set.
func (r *Registry) Policy(federation string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[federation]; ok {
		return p
	}
	return defaultPolicy
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// CanShareCapacity reports whether federation's nodes may ever serve as a
// fallback target for a job originating elsewhere.
func (r *Registry) CanShareCapacity(federation string) bool {
	return r.Policy(federation).SharingPolicy != ShareNothing
}

// CanFallbackAcross reports whether the Federated Planner may place a
// fallback assignment for a job whose primary stage landed in
// homeFederation onto a candidate node in candidateFederation. Same-
// federation placement is always allowed; cross-federation placement
// requires the home federation to not be under data sovereignty, and the
// candidate federation to be willing to share (and, if it has an
// allow-list, to name homeFederation explicitly).
func (r *Registry) CanFallbackAcross(homeFederation, candidateFederation string) bool {
	if homeFederation == candidateFederation {
		return true
	}
	home := r.Policy(homeFederation)
	if home.DataSovereignty {
		return false
	}
	candidate := r.Policy(candidateFederation)
	if candidate.SharingPolicy == ShareNothing {
		return false
	}
	if len(candidate.AllowedPartners) > 0 && !contains(candidate.AllowedPartners, homeFederation) {
		return false
	}
	return true
}

// FederationCount reports how many federations have an explicit policy
// configured (for observability; unconfigured federations are not
// counted even though Policy() serves them a default).
func (r *Registry) FederationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}
