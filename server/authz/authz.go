// Package authz implements the Authorization Filter (C4): the 8-step
// read rule, the outbox/inbox write rules, and the inbox-acceptance
// check for blocked senders.
//
// Grounded on the teacher's inbox.go/outbox.go authentication checks
// (bearer-token ownership, blocked-sender rejection), generalized into
// a standalone predicate any component can call rather than logic
// inlined in the HTTP handlers.
package authz

import (
	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/addressing"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/errkind"
	"github.com/onepagepub/onepagepub/server/store"
)

// Filter is the C4 Authorization Filter.
type Filter struct {
	store *store.Store
	colls *collections.Engine
	addr  *addressing.Resolver
}

// New builds a Filter over the given components.
func New(objStore *store.Store, colls *collections.Engine, addr *addressing.Resolver) *Filter {
	return &Filter{store: objStore, colls: colls, addr: addr}
}

// AllowRead applies the 8-step read rule (ยง4.4) to obj for viewer.
// viewer is "" for anonymous requests. A nil return means allowed;
// otherwise the error's Kind is Unauthorized or Forbidden.
func (f *Filter) AllowRead(obj activity.Object, viewer string) error {
	attributedTo := obj.AttributedTo()

	// 1. Author always sees their own object.
	if attributedTo != "" && attributedTo == viewer {
		return nil
	}

	// An actor object carries no attributedTo of its own; it is
	// attributed to itself for the block check below, so a block by
	// that actor also covers reads of their own profile.
	blockOwner := attributedTo
	if blockOwner == "" && isActorType(obj.Type()) {
		blockOwner = obj.ID()
	}
	if blockOwner != "" && blockOwner == viewer {
		return nil
	}

	// 3. Viewer blocked by the author.
	if blockOwner != "" {
		blocked, err := f.isBlockedBy(blockOwner, viewer)
		if err != nil {
			return err
		}
		if blocked {
			return errkind.New(errkind.Forbidden, "blocked by author")
		}
	}

	// 4/5/6. Addressing expansion.
	audience := f.addr.Expand(obj.Addressees()...)
	if audience.Public {
		return nil
	}
	if viewer != "" && audience.Contains(viewer) {
		return nil
	}

	// 7. Ambient, ownerless objects (root Service, instance collections,
	// actor profiles) are publicly readable once the block check above
	// has passed.
	if attributedTo == "" {
		return nil
	}

	// 8. Default deny.
	return f.denyRead(viewer)
}

func isActorType(t string) bool {
	return t == activity.PersonType || t == activity.ServiceType
}

// AllowReadCollection applies step 2 of the read rule (a public
// "blocked" collection may only be read by its own owner) plus the
// remaining generic rule for every other collection, treating the
// collection itself as an object attributed to its owner: a viewer
// blocked by the owner is denied even a public collection like outbox.
func (f *Filter) AllowReadCollection(coll collections.Collection, viewer string) error {
	if coll.Name == "blocked" {
		if viewer == coll.OwnerIRI {
			return nil
		}
		return f.denyRead(viewer)
	}
	if viewer == coll.OwnerIRI {
		return nil
	}
	blocked, err := f.isBlockedBy(coll.OwnerIRI, viewer)
	if err != nil {
		return err
	}
	if blocked {
		return errkind.New(errkind.Forbidden, "blocked by the collection's owner")
	}
	if coll.Private {
		return f.denyRead(viewer)
	}
	return nil
}

// AllowWriteOutbox enforces that only the outbox's own actor, via
// bearer token, may POST to it.
func (f *Filter) AllowWriteOutbox(outboxOwner, viewer string) error {
	if viewer == "" {
		return errkind.New(errkind.Unauthorized, "bearer token required")
	}
	if outboxOwner != viewer {
		return errkind.New(errkind.Forbidden, "cannot post to another actor's outbox")
	}
	return nil
}

// AllowInboxDelivery decides whether a signed delivery from sender may
// be accepted into owner's inbox.
func (f *Filter) AllowInboxDelivery(owner, sender string) error {
	blocked, err := f.isBlockedBy(owner, sender)
	if err != nil {
		return err
	}
	if blocked {
		return errkind.New(errkind.Forbidden, "sender is blocked")
	}
	return nil
}

func (f *Filter) isBlockedBy(actorIRI, subject string) (bool, error) {
	if subject == "" {
		return false, nil
	}
	actorObj, err := f.store.Get(actorIRI)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return false, nil
		}
		return false, err
	}
	blockedIRI := activity.IDOf(actorObj["blocked"])
	if blockedIRI == "" {
		return false, nil
	}
	return f.colls.Contains(blockedIRI, subject)
}

func (f *Filter) denyRead(viewer string) error {
	if viewer == "" {
		return errkind.New(errkind.Unauthorized, "authentication required")
	}
	return errkind.New(errkind.Forbidden, "not authorized to read this object")
}
