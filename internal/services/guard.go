package services

// Actor is the identity attempting a mutation.
type Actor struct {
	ID          string
	Permissions []string
}

// IsAdmin reports whether the actor carries the ADMIN permission tag.
func (a Actor) IsAdmin() bool {
	for _, p := range a.Permissions {
		if p == "ADMIN" {
			return true
		}
	}
	return false
}

// Owned describes the ownership facts of an entity under mutation.
type Owned struct {
	OwnerID       string
	Collaborators []string
}

// EntityKind names an owned record type for guard policy lookup.
type EntityKind string

const (
	KindResult   EntityKind = "result"
	KindStudy    EntityKind = "study"
	KindTask     EntityKind = "task"
	KindClass    EntityKind = "class"
	KindConsent  EntityKind = "consent"
	KindTemplate EntityKind = "template"
	KindPost     EntityKind = "post"
)

// GuardPolicy selects which clauses of the ownership predicate apply to an
// entity kind.
type GuardPolicy struct {
	AllowCollaborators bool
}

// OwnershipGuard is the single authorization predicate consulted before
// mutating or deleting an owned entity: owner, or admin, or (where the kind's
// policy allows it) collaborator.
type OwnershipGuard struct {
	policies map[EntityKind]GuardPolicy
}

// NewOwnershipGuard builds a guard with the default per-kind policies.
// Classes are creator-plus-admin only; everything else admits collaborators.
func NewOwnershipGuard() *OwnershipGuard {
	return &OwnershipGuard{policies: map[EntityKind]GuardPolicy{
		KindResult:   {AllowCollaborators: true},
		KindStudy:    {AllowCollaborators: true},
		KindTask:     {AllowCollaborators: true},
		KindClass:    {AllowCollaborators: false},
		KindConsent:  {AllowCollaborators: true},
		KindTemplate: {AllowCollaborators: true},
		KindPost:     {AllowCollaborators: true},
	}}
}

// SetPolicy overrides the policy for one entity kind.
func (g *OwnershipGuard) SetPolicy(kind EntityKind, p GuardPolicy) {
	g.policies[kind] = p
}

// CanMutate reports whether actor may mutate or delete the entity.
func (g *OwnershipGuard) CanMutate(actor Actor, kind EntityKind, entity Owned) bool {
	if actor.ID != "" && actor.ID == entity.OwnerID {
		return true
	}
	if actor.IsAdmin() {
		return true
	}
	if g.policies[kind].AllowCollaborators {
		for _, id := range entity.Collaborators {
			if id == actor.ID && id != "" {
				return true
			}
		}
	}
	return false
}
