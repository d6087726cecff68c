package activity

import "time"

// Tombstone transforms obj in place into its own tombstone marker,
// per C1's tombstone contract: id is kept, formerType records the
// previous type, and every other property is cleared except the ones
// the spec names.
func Tombstone(obj Object, now time.Time) Object {
	formerType := obj.Type()
	published := obj[PublishedProperty]

	t := Object{
		IDProperty:         obj.ID(),
		TypeProperty:       TombstoneType,
		FormerTypeProperty: formerType,
	}
	if published != nil {
		t[PublishedProperty] = published
	}
	t.SetUpdated(now)
	t[DeletedProperty] = now.UTC().Format(TimeFormat)
	t[SummaryMapProperty] = map[string]any{
		"en": "This object has been deleted",
	}
	return t
}
