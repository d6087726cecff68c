package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/addressing"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/errkind"
	"github.com/onepagepub/onepagepub/server/store"
)

const (
	alice = "https://example.test/person/alice"
	bob   = "https://example.test/person/bob"
	carol = "https://example.test/person/carol"
)

func newTestFilter(t *testing.T) (*Filter, *store.Store, *collections.Engine) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c, err := collections.Open(":memory:", "https://example.test", 20)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	r := addressing.New(c, time.Second)
	return New(s, c, r), s, c
}

func TestAuthorAlwaysAllowed(t *testing.T) {
	f, s, _ := newTestFilter(t)
	obj := activity.Object{activity.IDProperty: "https://example.test/note/1", "attributedTo": alice}
	require.NoError(t, s.Put(obj))

	assert.NoError(t, f.AllowRead(obj, alice))
}

func TestPublicAddresseeAllowsAnyone(t *testing.T) {
	f, s, _ := newTestFilter(t)
	obj := activity.Object{
		activity.IDProperty: "https://example.test/note/1",
		"attributedTo":      alice,
		"to":                []any{activity.PublicIRI},
	}
	require.NoError(t, s.Put(obj))

	assert.NoError(t, f.AllowRead(obj, ""))
	assert.NoError(t, f.AllowRead(obj, bob))
}

func TestDirectAddresseeAllowed(t *testing.T) {
	f, s, _ := newTestFilter(t)
	obj := activity.Object{
		activity.IDProperty: "https://example.test/note/1",
		"attributedTo":      alice,
		"to":                []any{bob},
	}
	require.NoError(t, s.Put(obj))

	assert.NoError(t, f.AllowRead(obj, bob))

	err := f.AllowRead(obj, carol)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Forbidden))
}

func TestAnonymousDeniedIsUnauthorized(t *testing.T) {
	f, s, _ := newTestFilter(t)
	obj := activity.Object{
		activity.IDProperty: "https://example.test/note/1",
		"attributedTo":      alice,
		"to":                []any{bob},
	}
	require.NoError(t, s.Put(obj))

	err := f.AllowRead(obj, "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Unauthorized))
}

func TestOwnerlessObjectAllowedToAll(t *testing.T) {
	f, _, _ := newTestFilter(t)
	obj := activity.Object{activity.IDProperty: "https://example.test/", activity.TypeProperty: activity.ServiceType}
	assert.NoError(t, f.AllowRead(obj, ""))
}

func TestBlockedViewerDenied(t *testing.T) {
	f, s, c := newTestFilter(t)
	blockedColl, err := c.Create(alice, "blocked", true)
	require.NoError(t, err)
	require.NoError(t, c.Append(blockedColl, bob))

	aliceActor := activity.Object{activity.IDProperty: alice, "blocked": blockedColl}
	require.NoError(t, s.Put(aliceActor))

	obj := activity.Object{
		activity.IDProperty: "https://example.test/note/1",
		"attributedTo":      alice,
		"to":                []any{activity.PublicIRI},
	}
	require.NoError(t, s.Put(obj))

	err = f.AllowRead(obj, bob)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Forbidden))
}

func TestBlockedViewerDeniedOwnProfile(t *testing.T) {
	f, s, c := newTestFilter(t)
	blockedColl, err := c.Create(alice, "blocked", true)
	require.NoError(t, err)
	require.NoError(t, c.Append(blockedColl, bob))

	aliceActor := activity.Object{
		activity.IDProperty:   alice,
		activity.TypeProperty: activity.PersonType,
		"blocked":             blockedColl,
	}
	require.NoError(t, s.Put(aliceActor))

	err = f.AllowRead(aliceActor, bob)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Forbidden))

	assert.NoError(t, f.AllowRead(aliceActor, carol))
}

func TestBlockedViewerDeniedPublicCollection(t *testing.T) {
	f, s, c := newTestFilter(t)
	blockedColl, err := c.Create(alice, "blocked", true)
	require.NoError(t, err)
	require.NoError(t, c.Append(blockedColl, bob))

	aliceActor := activity.Object{activity.IDProperty: alice, "blocked": blockedColl}
	require.NoError(t, s.Put(aliceActor))

	outboxIRI, err := c.Create(alice, "outbox", false)
	require.NoError(t, err)
	outbox, err := c.Get(outboxIRI)
	require.NoError(t, err)

	err = f.AllowReadCollection(outbox, bob)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Forbidden))

	assert.NoError(t, f.AllowReadCollection(outbox, carol))
	assert.NoError(t, f.AllowReadCollection(outbox, ""))
}

func TestBlockedCollectionOnlyReadableByOwner(t *testing.T) {
	f, _, c := newTestFilter(t)
	blockedIRI, err := c.Create(alice, "blocked", true)
	require.NoError(t, err)
	coll, err := c.Get(blockedIRI)
	require.NoError(t, err)

	assert.NoError(t, f.AllowReadCollection(coll, alice))

	err = f.AllowReadCollection(coll, bob)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Forbidden))

	err = f.AllowReadCollection(coll, "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Unauthorized))
}

func TestAllowWriteOutboxOnlyOwner(t *testing.T) {
	f, _, _ := newTestFilter(t)
	assert.NoError(t, f.AllowWriteOutbox(alice, alice))

	err := f.AllowWriteOutbox(alice, bob)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Forbidden))

	err = f.AllowWriteOutbox(alice, "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Unauthorized))
}

func TestAllowInboxDeliveryRejectsBlockedSender(t *testing.T) {
	f, s, c := newTestFilter(t)
	blockedColl, err := c.Create(alice, "blocked", true)
	require.NoError(t, err)
	require.NoError(t, c.Append(blockedColl, bob))

	aliceActor := activity.Object{activity.IDProperty: alice, "blocked": blockedColl}
	require.NoError(t, s.Put(aliceActor))

	assert.NoError(t, f.AllowInboxDelivery(alice, carol))

	err = f.AllowInboxDelivery(alice, bob)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Forbidden))
}
