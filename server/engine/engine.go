// Package engine implements the Activity Side-Effect Engine (C6): the
// per-type dispatch table every outbox POST and every accepted inbox
// delivery runs through.
//
// Grounded on the teacher's server/outbox.go and server/inbox.go
// pipelines (parse, stamp, dispatch, deliver), generalized from the
// teacher's Note/Follow-only handling into the full activity type
// table SPEC_FULL.md names.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/actors"
	"github.com/onepagepub/onepagepub/server/addressing"
	"github.com/onepagepub/onepagepub/server/authz"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/errkind"
	"github.com/onepagepub/onepagepub/server/store"
	"github.com/onepagepub/onepagepub/server/telemetry"
)

// Delivery is the outbound half of C7 the engine enqueues into. Kept
// as a narrow interface here so engine doesn't import the delivery
// package (which itself needs httpsig and the actor registry).
type Delivery interface {
	Enqueue(targetActorIRI string, act activity.Object, senderActorIRI string) error
}

// Engine is the C6 Activity Side-Effect Engine.
type Engine struct {
	store    *store.Store
	colls    *collections.Engine
	addr     *addressing.Resolver
	authz    *authz.Filter
	accounts *actors.Registry
	delivery Delivery
	baseURL  string
}

// New builds an Engine over the given components.
func New(objStore *store.Store, colls *collections.Engine, addr *addressing.Resolver, az *authz.Filter, accounts *actors.Registry, delivery Delivery, baseURL string) *Engine {
	return &Engine{store: objStore, colls: colls, addr: addr, authz: az, accounts: accounts, delivery: delivery, baseURL: baseURL}
}

// Dispatch runs the full outbox pipeline (ยง4.6) for a payload POSTed
// to outboxOwner's outbox, returning the stored, fully stamped
// activity.
func (e *Engine) Dispatch(outboxOwner string, payload map[string]any) (activity.Object, error) {
	if payload == nil {
		return nil, errkind.New(errkind.BadRequest, "empty request body")
	}

	act := activity.Object(payload)
	if !activity.KnownActivityTypes[act.Type()] {
		act = activity.Object{
			activity.TypeProperty:  activity.CreateType,
			activity.ObjectProperty: payload,
		}
	}

	if clientID := activity.Object(payload).ID(); clientID != "" && e.store.Exists(clientID) {
		return nil, errkind.New(errkind.Conflict, "activity id already exists: "+clientID)
	}

	now := time.Now().UTC()
	act.SetActor(outboxOwner)
	act.SetID(e.mintIRI())
	act.SetPublished(now)
	act.SetUpdated(now)

	var stored activity.Object
	err := e.store.WithTx(func(tx *store.Store) error {
		txColls := e.colls.WithDB(tx.DB())
		txAccounts := e.accounts.WithDB(tx.DB())

		if err := e.materializeEmbeddedObject(tx, txColls, act, outboxOwner, now); err != nil {
			return err
		}
		if err := e.applyEffect(tx, txColls, act, outboxOwner, now); err != nil {
			return err
		}

		// bto/bcc participate in delivery expansion but must never be
		// persisted or echoed back, so resolve recipients before
		// stripping and before the object is written.
		audience := e.addr.Expand(act.Addressees(), act.PrivateAddressees())
		act.StripPrivate()

		if err := tx.Put(act); err != nil {
			return err
		}
		if err := e.fanOut(tx, txColls, txAccounts, act, outboxOwner, audience); err != nil {
			return err
		}
		stored = act
		return nil
	})
	if err != nil {
		return nil, err
	}

	response := stored.Clone()
	response.StripPrivate()
	return response, nil
}

// Deliver runs the inbound half: a verified remote delivery, checked
// against C4's inbox-acceptance rule, appended into owner's inbox and
// re-dispatched for its local side effects (follow-accept bookkeeping,
// like/announce back-references, and so on).
func (e *Engine) Deliver(owner string, act activity.Object) error {
	if err := e.authz.AllowInboxDelivery(owner, act.Actor()); err != nil {
		return err
	}

	inbox, err := e.actorCollection(owner, "inbox")
	if err != nil {
		return err
	}
	if act.ID() != "" {
		exists, err := e.colls.Contains(inbox, act.ID())
		if err != nil {
			return err
		}
		if exists {
			return nil // already delivered, ยง4.7 dedup
		}
	}

	return e.store.WithTx(func(tx *store.Store) error {
		txColls := e.colls.WithDB(tx.DB())
		if !tx.Exists(act.ID()) {
			if err := tx.Put(act); err != nil {
				return err
			}
		}
		if err := txColls.Append(inbox, act.ID()); err != nil {
			return err
		}
		return e.applyRemoteEffect(tx, txColls, act, owner)
	})
}

func (e *Engine) materializeEmbeddedObject(tx *store.Store, txColls *collections.Engine, act activity.Object, actorIRI string, now time.Time) error {
	if !act.TypeIs(activity.CreateType) {
		return nil
	}
	embedded := act.EmbeddedObject()
	if embedded == nil {
		return nil
	}

	embedded.SetID(e.mintIRI())
	embedded.SetAttributedTo(actorIRI)
	embedded.SetPublished(now)
	embedded.SetUpdated(now)

	for _, name := range []string{"replies", "likes", "shares"} {
		iri, err := txColls.Create(actorIRI, name, false)
		if err != nil {
			return err
		}
		embedded[name] = iri
	}

	if err := tx.Put(embedded); err != nil {
		return err
	}
	act[activity.ObjectProperty] = embedded.ID()

	if replyTo := embedded.InReplyTo(); replyTo != "" {
		if parent, err := tx.Get(replyTo); err == nil {
			if repliesIRI := activity.IDOf(parent["replies"]); repliesIRI != "" {
				if err := txColls.Append(repliesIRI, embedded.ID()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// applyEffect dispatches the outbound side effects for act, authored
// locally by actorIRI, per the ยง4.6 dispatch table.
func (e *Engine) applyEffect(tx *store.Store, txColls *collections.Engine, act activity.Object, actorIRI string, now time.Time) error {
	switch act.Type() {
	case activity.UpdateType:
		return e.applyUpdate(tx, act, actorIRI, now)
	case activity.DeleteType:
		return e.applyDelete(tx, act, actorIRI, now)
	case activity.AddType:
		return e.applyAdd(tx, txColls, act, actorIRI)
	case activity.RemoveType:
		return e.applyRemove(tx, txColls, act, actorIRI)
	case activity.LikeType:
		if err := e.applyLike(tx, txColls, act, actorIRI); err != nil {
			return err
		}
		return e.ensureAuthorAddressed(tx, act)
	case activity.AnnounceType:
		return e.ensureAuthorAddressed(tx, act)
	case activity.BlockType:
		return e.applyBlock(tx, txColls, act, actorIRI)
	case activity.UndoType:
		return e.applyUndo(tx, txColls, act, actorIRI)
	case activity.FollowType:
		return e.ensureTargetAddressed(act)
	case activity.CreateType, activity.AcceptType, activity.RejectType:
		return nil // delivery-triggered or already handled above
	default:
		return nil // IntransitiveActivity and anything else: addressing only
	}
}

// ensureTargetAddressed adds the object actor to "to" so a Follow
// reaches the followee's inbox regardless of the client's explicit
// addressing. Like/Announce reach their object's author through
// ensureAuthorAddressed instead.
func (e *Engine) ensureTargetAddressed(act activity.Object) error {
	target := act.ObjectIRI()
	if target == "" {
		return nil
	}
	to := toAnySlice(act[activity.ToProperty])
	for _, v := range to {
		if activity.IDOf(v) == target {
			return nil
		}
	}
	act[activity.ToProperty] = append(to, target)
	return nil
}

// ensureAuthorAddressed adds the target object's author to "to", so
// Like/Announce always reach the author's inbox for the likes/shares
// back-reference even if the client didn't address them explicitly.
func (e *Engine) ensureAuthorAddressed(tx *store.Store, act activity.Object) error {
	objectIRI := act.ObjectIRI()
	if objectIRI == "" {
		return nil
	}
	target, err := tx.Get(objectIRI)
	if err != nil {
		return nil
	}
	author := target.AttributedTo()
	if author == "" {
		return nil
	}
	to := toAnySlice(act[activity.ToProperty])
	for _, v := range to {
		if activity.IDOf(v) == author {
			return nil
		}
	}
	act[activity.ToProperty] = append(to, author)
	return nil
}

// toAnySlice normalizes a to/cc-shaped property value — absent, a bare
// string, a []string, an embedded map, or an already-flat []any — into
// a []any that can be safely appended to, without losing a bare-string
// recipient the way a plain type assertion to []any would (AS2 allows
// "to" to be a single string, not just an array).
func toAnySlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		return []any{t}
	case map[string]any:
		return []any{t}
	default:
		return nil
	}
}

func (e *Engine) applyUpdate(tx *store.Store, act activity.Object, actorIRI string, now time.Time) error {
	targetIRI := act.ObjectIRI()
	if targetIRI == "" {
		return errkind.New(errkind.BadRequest, "Update requires object")
	}
	target, err := tx.Get(targetIRI)
	if err != nil {
		return err
	}
	if target.AttributedTo() != actorIRI {
		return errkind.New(errkind.Forbidden, "cannot Update an object you do not author")
	}
	fields := map[string]any{}
	if embedded := act.EmbeddedObject(); embedded != nil {
		for k, v := range embedded {
			if k == activity.IDProperty {
				continue
			}
			fields[k] = v
		}
	}
	fields[activity.UpdatedProperty] = now.UTC().Format(activity.TimeFormat)
	_, err = tx.Patch(targetIRI, fields)
	return err
}

func (e *Engine) applyDelete(tx *store.Store, act activity.Object, actorIRI string, now time.Time) error {
	targetIRI := act.ObjectIRI()
	if targetIRI == "" {
		return errkind.New(errkind.BadRequest, "Delete requires object")
	}
	target, err := tx.Get(targetIRI)
	if err != nil {
		return err
	}
	if target.AttributedTo() != actorIRI {
		return errkind.New(errkind.Forbidden, "cannot Delete an object you do not author")
	}
	_, err = tx.Tombstone(targetIRI, now)
	return err
}

func (e *Engine) applyAdd(tx *store.Store, txColls *collections.Engine, act activity.Object, actorIRI string) error {
	targetIRI := act.Target()
	objectIRI := act.ObjectIRI()
	if targetIRI == "" || objectIRI == "" {
		return errkind.New(errkind.BadRequest, "Add requires target and object")
	}
	target, err := tx.Get(targetIRI)
	if err != nil {
		return err
	}
	if target.AttributedTo() != actorIRI {
		return errkind.New(errkind.Forbidden, "target collection is not authored by actor")
	}
	return txColls.Append(targetIRI, objectIRI)
}

func (e *Engine) applyRemove(tx *store.Store, txColls *collections.Engine, act activity.Object, actorIRI string) error {
	targetIRI := act.Target()
	objectIRI := act.ObjectIRI()
	if targetIRI == "" || objectIRI == "" {
		return errkind.New(errkind.BadRequest, "Remove requires target and object")
	}
	target, err := tx.Get(targetIRI)
	if err != nil {
		return err
	}
	if target.AttributedTo() != actorIRI {
		return errkind.New(errkind.Forbidden, "target collection is not authored by actor")
	}
	return txColls.Remove(targetIRI, objectIRI)
}

func (e *Engine) applyLike(tx *store.Store, txColls *collections.Engine, act activity.Object, actorIRI string) error {
	objectIRI := act.ObjectIRI()
	if objectIRI == "" {
		return errkind.New(errkind.BadRequest, "Like requires object")
	}
	target, err := tx.Get(objectIRI)
	if err != nil {
		return err
	}
	if author := target.AttributedTo(); author != "" {
		blocked, err := e.isBlockedBy(tx, txColls, author, actorIRI)
		if err != nil {
			return err
		}
		if blocked {
			return errkind.New(errkind.BadRequest, "blocked by the object's author")
		}
	}
	actor, err := tx.Get(actorIRI)
	if err != nil {
		return err
	}
	likedIRI := activity.IDOf(actor["liked"])
	if likedIRI == "" {
		return errkind.New(errkind.Internal, "actor has no liked collection")
	}
	return txColls.Append(likedIRI, objectIRI)
}

func (e *Engine) applyBlock(tx *store.Store, txColls *collections.Engine, act activity.Object, actorIRI string) error {
	blockedActorIRI := act.ObjectIRI()
	if blockedActorIRI == "" {
		return errkind.New(errkind.BadRequest, "Block requires object")
	}
	actor, err := tx.Get(actorIRI)
	if err != nil {
		return err
	}
	blockedIRI := activity.IDOf(actor["blocked"])
	followersIRI := activity.IDOf(actor["followers"])
	if blockedIRI != "" {
		if err := txColls.Append(blockedIRI, blockedActorIRI); err != nil {
			return err
		}
	}
	if followersIRI != "" {
		if err := txColls.Remove(followersIRI, blockedActorIRI); err != nil {
			return err
		}
	}
	if other, err := tx.Get(blockedActorIRI); err == nil {
		if otherFollowing := activity.IDOf(other["following"]); otherFollowing != "" {
			if err := txColls.Remove(otherFollowing, actorIRI); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyUndo(tx *store.Store, txColls *collections.Engine, act activity.Object, actorIRI string) error {
	prior := act.EmbeddedObject()
	if prior == nil {
		iri := act.ObjectIRI()
		if iri == "" {
			return errkind.New(errkind.BadRequest, "Undo requires an object")
		}
		fetched, err := tx.Get(iri)
		if err != nil {
			return err
		}
		prior = fetched
	}
	if prior.Actor() != actorIRI {
		return errkind.New(errkind.Forbidden, "cannot Undo another actor's activity")
	}

	switch prior.Type() {
	case activity.LikeType:
		objectIRI := prior.ObjectIRI()
		actor, err := tx.Get(actorIRI)
		if err != nil {
			return err
		}
		if likedIRI := activity.IDOf(actor["liked"]); likedIRI != "" {
			if err := txColls.Remove(likedIRI, objectIRI); err != nil {
				return err
			}
		}
		if target, err := tx.Get(objectIRI); err == nil {
			if likesIRI := activity.IDOf(target["likes"]); likesIRI != "" {
				return txColls.Remove(likesIRI, prior.ID())
			}
		}
		return nil
	case activity.FollowType:
		followee := prior.ObjectIRI()
		actor, err := tx.Get(actorIRI)
		if err != nil {
			return err
		}
		if followingIRI := activity.IDOf(actor["following"]); followingIRI != "" {
			if err := txColls.Remove(followingIRI, followee); err != nil {
				return err
			}
		}
		if target, err := tx.Get(followee); err == nil {
			if followersIRI := activity.IDOf(target["followers"]); followersIRI != "" {
				return txColls.Remove(followersIRI, actorIRI)
			}
		}
		return nil
	case activity.BlockType:
		blockedActorIRI := prior.ObjectIRI()
		actor, err := tx.Get(actorIRI)
		if err != nil {
			return err
		}
		if blockedIRI := activity.IDOf(actor["blocked"]); blockedIRI != "" {
			return txColls.Remove(blockedIRI, blockedActorIRI)
		}
		return nil
	default:
		return errkind.New(errkind.BadRequest, "cannot Undo activity type: "+prior.Type())
	}
}

// applyRemoteEffect runs the side effects that trigger on delivery
// rather than on outbox submission: follow auto-accept, like/announce
// back-references on the target object.
func (e *Engine) applyRemoteEffect(tx *store.Store, txColls *collections.Engine, act activity.Object, owner string) error {
	switch act.Type() {
	case activity.FollowType:
		follower := act.Actor()
		followee := act.ObjectIRI()
		if followee != owner {
			return nil
		}
		followeeActor, err := tx.Get(followee)
		if err != nil {
			return err
		}
		if followersIRI := activity.IDOf(followeeActor["followers"]); followersIRI != "" {
			if err := txColls.Append(followersIRI, follower); err != nil {
				return err
			}
		}
		return e.deliverAcceptFollow(tx, txColls, act, follower, followee)
	case activity.AcceptType:
		return e.applyAcceptFollow(tx, txColls, act, owner)
	case activity.LikeType:
		objectIRI := act.ObjectIRI()
		target, err := tx.Get(objectIRI)
		if err != nil {
			return nil
		}
		if likesIRI := activity.IDOf(target["likes"]); likesIRI != "" {
			return txColls.Append(likesIRI, act.ID())
		}
		return nil
	case activity.AnnounceType:
		objectIRI := act.ObjectIRI()
		target, err := tx.Get(objectIRI)
		if err != nil {
			return nil
		}
		if sharesIRI := activity.IDOf(target["shares"]); sharesIRI != "" {
			return txColls.Append(sharesIRI, act.ID())
		}
		return nil
	default:
		return nil
	}
}

// applyAcceptFollow appends the followee to the follower's following
// collection on receipt of an Accept(Follow), completing the other
// half of the follow handshake (ยง8 property 5: "B appears in
// A.following"). owner is whoever's inbox the Accept landed in, i.e.
// the original follower.
func (e *Engine) applyAcceptFollow(tx *store.Store, txColls *collections.Engine, accept activity.Object, owner string) error {
	followIRI := accept.ObjectIRI()
	if followIRI == "" {
		return nil
	}
	follow, err := tx.Get(followIRI)
	if err != nil || !follow.TypeIs(activity.FollowType) {
		return nil
	}
	if follow.Actor() != owner {
		return nil // this Accept doesn't answer a Follow owner made
	}
	followee := follow.ObjectIRI()
	if followee == "" {
		return nil
	}
	follower, err := tx.Get(owner)
	if err != nil {
		return err
	}
	followingIRI := activity.IDOf(follower["following"])
	if followingIRI == "" {
		return nil
	}
	return txColls.Append(followingIRI, followee)
}

// deliverAcceptFollow persists and enqueues an Accept(Follow) courtesy
// response, resolving Open Question 1 (SPEC_FULL.md ยง9).
func (e *Engine) deliverAcceptFollow(tx *store.Store, txColls *collections.Engine, follow activity.Object, follower, followee string) error {
	now := time.Now().UTC()
	accept := activity.Object{
		activity.IDProperty:        e.mintIRI(),
		activity.TypeProperty:      activity.AcceptType,
		activity.ActorProperty:     followee,
		activity.ObjectProperty:    follow.ID(),
		activity.PublishedProperty: now.Format(activity.TimeFormat),
		activity.UpdatedProperty:   now.Format(activity.TimeFormat),
	}
	if err := tx.Put(accept); err != nil {
		return err
	}
	if outbox, err := e.actorCollectionTx(tx, followee, "outbox"); err == nil {
		if err := txColls.Append(outbox, accept.ID()); err != nil {
			return err
		}
	}
	if e.accounts.WithDB(tx.DB()).IsLocal(follower) {
		followerInbox, err := e.actorCollectionTx(tx, follower, "inbox")
		if err != nil {
			return nil
		}
		if err := txColls.Append(followerInbox, accept.ID()); err != nil {
			return err
		}
		return e.applyRemoteEffect(tx, txColls, accept, follower)
	}
	if e.delivery != nil {
		if err := e.delivery.Enqueue(follower, accept, followee); err != nil {
			telemetry.Error(err, "enqueueing Accept(Follow) delivery")
		}
	}
	return nil
}

// fanOut appends act to the acting actor's outbox and inbox (the
// self-inbox property), then to every local recipient's inbox and
// enqueues remote recipients into C7. audience must already have been
// resolved from act's bto/bcc before those fields were stripped.
func (e *Engine) fanOut(tx *store.Store, txColls *collections.Engine, txAccounts *actors.Registry, act activity.Object, actorIRI string, audience addressing.Result) error {
	outbox, err := e.actorCollectionTx(tx, actorIRI, "outbox")
	if err != nil {
		return err
	}
	if err := txColls.Append(outbox, act.ID()); err != nil {
		return err
	}

	inbox, err := e.actorCollectionTx(tx, actorIRI, "inbox")
	if err != nil {
		return err
	}
	if err := txColls.Append(inbox, act.ID()); err != nil {
		return err
	}

	for _, recipient := range audience.Actors {
		if recipient == actorIRI {
			continue // already self-inboxed above
		}
		if txAccounts.IsLocal(recipient) {
			recipientInbox, err := e.actorCollectionTx(tx, recipient, "inbox")
			if err != nil {
				telemetry.Trace("skipping unknown local recipient %s: %v", recipient, err)
				continue
			}
			if err := txColls.Append(recipientInbox, act.ID()); err != nil {
				return err
			}
			// A local recipient never round-trips through C7/C8, so run
			// the delivery-triggered side effects (follow acceptance,
			// like/announce back-references) inline instead.
			if err := e.applyRemoteEffect(tx, txColls, act, recipient); err != nil {
				return err
			}
			continue
		}
		if e.delivery != nil {
			if act.Type() == activity.BlockType && recipient == act.ObjectIRI() {
				continue // never deliver a Block to the blocked party
			}
			if err := e.delivery.Enqueue(recipient, act, actorIRI); err != nil {
				telemetry.Error(err, "enqueueing delivery to %s", recipient)
			}
		}
	}
	return nil
}

func (e *Engine) actorCollection(actorIRI, name string) (string, error) {
	return e.actorCollectionTx(e.store, actorIRI, name)
}

func (e *Engine) actorCollectionTx(tx *store.Store, actorIRI, name string) (string, error) {
	actor, err := tx.Get(actorIRI)
	if err != nil {
		return "", err
	}
	iri := activity.IDOf(actor[name])
	if iri == "" {
		return "", errkind.New(errkind.Internal, fmt.Sprintf("actor %s has no %s collection", actorIRI, name))
	}
	return iri, nil
}

func (e *Engine) isBlockedBy(tx *store.Store, txColls *collections.Engine, actorIRI, subject string) (bool, error) {
	actor, err := tx.Get(actorIRI)
	if err != nil {
		return false, nil
	}
	blockedIRI := activity.IDOf(actor["blocked"])
	if blockedIRI == "" {
		return false, nil
	}
	return txColls.Contains(blockedIRI, subject)
}

// mintIRI mints a new object IRI under the single generic /object/{id}
// route (C9), not the per-type path scheme; see DESIGN.md for why.
func (e *Engine) mintIRI() string {
	return fmt.Sprintf("%s/object/%s", e.baseURL, uuid.NewString())
}
