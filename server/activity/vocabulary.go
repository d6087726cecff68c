// Package activity models ActivityStreams 2.0 objects as opaque JSON.
//
// There is no general JSON-LD processor here: only the fixed context
// this server recognizes is understood, and everything else in a
// payload rides along as an untyped property bag. See Object.
package activity

// ActivityPub and ActivityStreams vocabulary.

const (
	IDProperty           = "id"
	TypeProperty         = "type"
	ActorProperty        = "actor"
	ObjectProperty       = "object"
	TargetProperty       = "target"
	AttributedToProperty = "attributedTo"
	PublishedProperty    = "published"
	UpdatedProperty      = "updated"
	DeletedProperty      = "deleted"
	ToProperty           = "to"
	CCProperty           = "cc"
	BToProperty          = "bto"
	BCCProperty          = "bcc"
	AudienceProperty     = "audience"
	InReplyToProperty    = "inReplyTo"
	FormerTypeProperty   = "formerType"
	SummaryMapProperty   = "summaryMap"
	ItemsProperty        = "items"
	OrderedItemsProperty = "orderedItems"
)

const (
	Context         = "https://www.w3.org/ns/activitystreams"
	SecurityContext = "https://w3id.org/security"
	BlockedContext  = "https://purl.archive.org/socialweb/blocked"

	ContentType        = `application/activity+json; charset=utf-8`
	ContentTypeJRD     = `application/jrd+json; charset=utf-8`
	ContentTypeHTML    = `text/html; charset=utf-8`
	AcceptActivityJSON = `application/activity+json`
)

// PublicIRI is the well-known constant that marks an addressee set as
// world-visible.
const PublicIRI = "https://www.w3.org/ns/activitystreams#Public"

// Core object types.
const (
	ServiceType           = "Service"
	PersonType            = "Person"
	NoteType              = "Note"
	TombstoneType         = "Tombstone"
	KeyType               = "Key"
	OrderedCollectionType = "OrderedCollection"
	OrderedCollectionPage = "OrderedCollectionPage"
)

// Activity types dispatched by the side-effect engine (C6).
const (
	CreateType   = "Create"
	UpdateType   = "Update"
	DeleteType   = "Delete"
	FollowType   = "Follow"
	AddType      = "Add"
	RemoveType   = "Remove"
	LikeType     = "Like"
	AnnounceType = "Announce"
	BlockType    = "Block"
	UndoType     = "Undo"
	AcceptType   = "Accept"
	RejectType   = "Reject"
)

// KnownActivityTypes lists the types the engine has a dispatch rule
// for. Anything else arriving at an outbox that doesn't already look
// like an Activity gets wrapped in a Create, per C2S convention.
var KnownActivityTypes = map[string]bool{
	CreateType:   true,
	UpdateType:   true,
	DeleteType:   true,
	FollowType:   true,
	AddType:      true,
	RemoveType:   true,
	LikeType:     true,
	AnnounceType: true,
	BlockType:    true,
	UndoType:     true,
	AcceptType:   true,
	RejectType:   true,
}

// TimeFormat is the RFC3339 flavor ActivityStreams timestamps use.
const TimeFormat = "2006-01-02T15:04:05Z"
