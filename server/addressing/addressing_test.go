package addressing

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/collections"
)

func newTestResolver(t *testing.T) (*Resolver, *collections.Engine) {
	t.Helper()
	c, err := collections.Open(":memory:", "https://example.test", 20)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return New(c, time.Second), c
}

func TestExpandPublicIRI(t *testing.T) {
	r, _ := newTestResolver(t)
	result := r.Expand(activity.PublicIRI)
	assert.True(t, result.Public)
	assert.Empty(t, result.Actors)
}

func TestExpandBareActorIRIs(t *testing.T) {
	r, _ := newTestResolver(t)
	result := r.Expand("https://example.test/person/a", []any{"https://example.test/person/b"})
	assert.False(t, result.Public)
	assert.ElementsMatch(t, []string{"https://example.test/person/a", "https://example.test/person/b"}, result.Actors)
}

func TestExpandDeduplicates(t *testing.T) {
	r, _ := newTestResolver(t)
	result := r.Expand("https://example.test/person/a", "https://example.test/person/a")
	assert.Len(t, result.Actors, 1)
}

func TestExpandInlinesLocalFollowers(t *testing.T) {
	r, colls := newTestResolver(t)
	followers, err := colls.Create("https://example.test/person/alice", "followers", false)
	require.NoError(t, err)
	require.NoError(t, colls.Append(followers, "https://example.test/person/bob"))
	require.NoError(t, colls.Append(followers, "https://remote.test/person/carol"))

	result := r.Expand(followers)
	assert.ElementsMatch(t, []string{"https://example.test/person/bob", "https://remote.test/person/carol"}, result.Actors)
}

func TestExpandDereferencesRemoteCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", activity.ContentType)
		w.Write([]byte(`{"type":"OrderedCollection","orderedItems":["https://remote.test/person/dan"]}`))
	}))
	defer srv.Close()

	r, _ := newTestResolver(t)
	result := r.Expand(srv.URL + "/orderedcollection/xyz")
	assert.ElementsMatch(t, []string{"https://remote.test/person/dan"}, result.Actors)
}

func TestExpandFailedRemoteDereferenceIsEmpty(t *testing.T) {
	r, _ := newTestResolver(t)
	result := r.Expand("https://unreachable.invalid/orderedcollection/xyz")
	assert.Empty(t, result.Actors)
	assert.False(t, result.Public)
}
