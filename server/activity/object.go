package activity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Object is an ActivityStreams object represented as an opaque property
// bag. Dynamic object shapes (Note, Person, Activity subtypes, and
// anything a remote server invents) all share this one representation;
// there is no generated type per AS2 vocabulary term. See the
// "Dynamic object shapes" design note.
type Object map[string]any

// Clone returns a shallow copy of the property bag. Callers that mutate
// a stored object should clone it first so the store's in-memory
// representation (if any) isn't aliased.
func (o Object) Clone() Object {
	c := make(Object, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

func (o Object) str(key string) string {
	if o == nil {
		return ""
	}
	if s, ok := o[key].(string); ok {
		return s
	}
	return ""
}

// ID returns the object's id, or "" if unset.
func (o Object) ID() string { return o.str(IDProperty) }

// SetID sets the object's id.
func (o Object) SetID(id string) { o[IDProperty] = id }

// Type returns the first (or only) type name. AS2 allows type to be an
// array; only the first entry is consulted, which is sufficient for
// every dispatch decision this server makes.
func (o Object) Type() string {
	switch t := o[TypeProperty].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	case []string:
		if len(t) > 0 {
			return t[0]
		}
	}
	return ""
}

// SetType sets the object's type to a single string value.
func (o Object) SetType(t string) { o[TypeProperty] = t }

// TypeIs reports whether the object's type equals name.
func (o Object) TypeIs(name string) bool { return o.Type() == name }

// AttributedTo returns the actor IRI the object is attributed to.
func (o Object) AttributedTo() string { return IDOf(o[AttributedToProperty]) }

// SetAttributedTo sets the attributedTo property.
func (o Object) SetAttributedTo(actorIRI string) { o[AttributedToProperty] = actorIRI }

// Actor returns the acting actor's IRI for an Activity.
func (o Object) Actor() string { return IDOf(o[ActorProperty]) }

// SetActor sets the actor property.
func (o Object) SetActor(actorIRI string) { o[ActorProperty] = actorIRI }

// ObjectRef returns the raw value of the "object" property, which may
// be a string IRI or an embedded object.
func (o Object) ObjectRef() any { return o[ObjectProperty] }

// ObjectIRI returns the IRI of the object property whether it is an
// embedded object or a bare string.
func (o Object) ObjectIRI() string { return IDOf(o[ObjectProperty]) }

// EmbeddedObject returns the object property as an Object if it was
// embedded inline (a map), or nil if it's a bare IRI string or absent.
func (o Object) EmbeddedObject() Object {
	if m, ok := o[ObjectProperty].(map[string]any); ok {
		return Object(m)
	}
	if m, ok := o[ObjectProperty].(Object); ok {
		return m
	}
	return nil
}

// Target returns the IRI of the target property.
func (o Object) Target() string { return IDOf(o[TargetProperty]) }

// InReplyTo returns the IRI the object replies to, if any.
func (o Object) InReplyTo() string { return IDOf(o[InReplyToProperty]) }

// Published returns the published timestamp, zero if unset or unparseable.
func (o Object) Published() time.Time { return parseTime(o.str(PublishedProperty)) }

// SetPublished stamps the published property.
func (o Object) SetPublished(t time.Time) { o[PublishedProperty] = t.UTC().Format(TimeFormat) }

// SetUpdated stamps the updated property.
func (o Object) SetUpdated(t time.Time) { o[UpdatedProperty] = t.UTC().Format(TimeFormat) }

// Updated returns the updated timestamp.
func (o Object) Updated() time.Time { return parseTime(o.str(UpdatedProperty)) }

// Addressees gathers to/cc/audience as a flat, deduplicated slice of
// raw values (strings or nested collection maps), preserving bto/bcc
// separately since those must never be echoed back to callers.
func (o Object) Addressees() []any {
	return flatten(o[ToProperty], o[CCProperty], o[AudienceProperty])
}

// PrivateAddressees gathers bto/bcc, which participate in delivery
// expansion but are stripped from anything persisted or returned.
func (o Object) PrivateAddressees() []any {
	return flatten(o[BToProperty], o[BCCProperty])
}

// StripPrivate removes bto/bcc from the object in place, per C5.
func (o Object) StripPrivate() {
	delete(o, BToProperty)
	delete(o, BCCProperty)
}

// JSON marshals the object.
func (o Object) JSON() []byte {
	b, err := json.Marshal(map[string]any(o))
	if err != nil {
		return nil
	}
	return b
}

// FromJSON unmarshals bytes into a new Object.
func FromJSON(b []byte) (Object, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return Object(m), nil
}

// IDOf extracts an IRI from a value that may be a bare string, or an
// embedded object/map carrying its own "id" property, mirroring
// parseID from the teacher's inbox handling: ActivityPub properties
// are frustratingly polymorphic between compact string references and
// fully expanded objects.
func IDOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t[IDProperty].(string); ok {
			return s
		}
	case Object:
		return t.ID()
	case fmt.Stringer:
		return t.String()
	}
	return ""
}

// IRIsOf flattens a to/cc/audience-shaped value (string, []string,
// []any, or a single nested map) into a slice of IRIs, dropping
// embedded collection maps that don't resolve to a bare IRI (those are
// handled separately by the addressing resolver, which needs the full
// map, not just an id).
func IRIsOf(v any) []string {
	var out []string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t != "" {
			out = append(out, t)
		}
	case []string:
		out = append(out, t...)
	case []any:
		for _, e := range t {
			out = append(out, IRIsOf(e)...)
		}
	case map[string]any:
		if id := IDOf(t); id != "" {
			out = append(out, id)
		}
	case Object:
		if id := t.ID(); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func flatten(vs ...any) []any {
	var out []any
	seen := make(map[string]bool)
	for _, v := range vs {
		switch t := v.(type) {
		case nil:
			continue
		case []any:
			for _, e := range t {
				out = appendUnique(out, e, seen)
			}
		case []string:
			for _, e := range t {
				out = appendUnique(out, e, seen)
			}
		default:
			out = appendUnique(out, t, seen)
		}
	}
	return out
}

func appendUnique(out []any, v any, seen map[string]bool) []any {
	key := IDOf(v)
	if key == "" {
		if s, ok := v.(string); ok {
			key = s
		}
	}
	if key != "" {
		if seen[key] {
			return out
		}
		seen[key] = true
	}
	return append(out, v)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}
