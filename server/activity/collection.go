package activity

// OrderedCollectionJSON is the wire shape of an OrderedCollection, per
// C2/ยง3. Field order matches how the teacher's own activity package
// laid out its (much smaller) OrderedCollection type.
type OrderedCollectionJSON struct {
	Context    any    `json:"@context,omitempty"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
	Last       string `json:"last,omitempty"`
	Name       string `json:"name,omitempty"`
}

// OrderedCollectionPageJSON is the wire shape of one page.
type OrderedCollectionPageJSON struct {
	Context      any      `json:"@context,omitempty"`
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	PartOf       string   `json:"partOf"`
	OrderedItems []string `json:"orderedItems"`
	Next         string   `json:"next,omitempty"`
	Prev         string   `json:"prev,omitempty"`
	TotalItems   int      `json:"totalItems"`
}

// FullContext is the @context array served on collections and pages,
// per C9: the ActivityStreams namespace, the security vocabulary (for
// publicKey), and the instance-specific blocked-collection vocabulary.
func FullContext() []string {
	return []string{Context, SecurityContext, BlockedContext}
}
