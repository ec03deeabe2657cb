package domain

import (
	"sort"
	"strings"
)

// GroupSource records where a caller's group memberships came from.
type GroupSource int

const (
	// GroupSourceNone means the identity claims carried no group claim.
	GroupSourceNone GroupSource = iota
	// GroupSourceClaims means groups were embedded in the identity claims.
	// Claim groups are authoritative, even when the list is empty.
	GroupSourceClaims
	// GroupSourceLookup means groups were resolved by an explicit lookup call.
	GroupSourceLookup
)

func (g GroupSource) String() string {
	switch g {
	case GroupSourceClaims:
		return "claims"
	case GroupSourceLookup:
		return "lookup"
	default:
		return "none"
	}
}

// GroupSet is an immutable set of group names. Names are compared exactly;
// blank names are dropped on construction.
type GroupSet struct {
	names map[string]struct{}
}

// NewGroupSet builds a set from names, trimming whitespace and dropping blanks.
func NewGroupSet(names ...string) GroupSet {
	set := GroupSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		set.names[n] = struct{}{}
	}
	return set
}

// Len returns the number of groups.
func (g GroupSet) Len() int { return len(g.names) }

// Contains reports whether name is a member.
func (g GroupSet) Contains(name string) bool {
	_, ok := g.names[name]
	return ok
}

// Intersects reports whether the two sets share at least one group.
func (g GroupSet) Intersects(other GroupSet) bool {
	small, large := g, other
	if small.Len() > large.Len() {
		small, large = large, small
	}
	for n := range small.names {
		if large.Contains(n) {
			return true
		}
	}
	return false
}

// Names returns the members sorted for stable output.
func (g GroupSet) Names() []string {
	out := make([]string, 0, len(g.names))
	for n := range g.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// UserIdentity holds the attributes extracted from the identity provider's
// claims. It is owned by the Session and replaced wholesale on each
// successful authentication.
type UserIdentity struct {
	Subject       string
	Username      string
	Name          string
	Email         string
	EmailVerified bool
	Groups        GroupSet
	GroupSource   GroupSource
}

// Clone returns a deep copy.
func (u *UserIdentity) Clone() *UserIdentity {
	if u == nil {
		return nil
	}
	out := *u
	out.Groups = NewGroupSet(u.Groups.Names()...)
	return &out
}

// HasGroupClaims reports whether groups came from the identity claims and are
// therefore authoritative.
func (u *UserIdentity) HasGroupClaims() bool {
	return u != nil && u.GroupSource == GroupSourceClaims
}

// DisplayName returns the best available human-readable name.
func (u *UserIdentity) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return u.Username
	case u.Email != "":
		return u.Email
	default:
		return u.Subject
	}
}
