package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/actors"
	"github.com/onepagepub/onepagepub/server/addressing"
	"github.com/onepagepub/onepagepub/server/authz"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/engine"
	"github.com/onepagepub/onepagepub/server/httpsig"
	"github.com/onepagepub/onepagepub/server/store"
)

const testBaseURL = "https://example.test"

func newTestServer(t *testing.T) (*Server, *actors.Registry) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	colls, err := collections.New(s.DB(), testBaseURL, 20)
	require.NoError(t, err)

	accounts, err := actors.New(s.DB(), s, colls, testBaseURL)
	require.NoError(t, err)

	addr := addressing.New(colls, time.Second)
	filter := authz.New(s, colls, addr)
	sig := httpsig.New(5 * time.Minute)
	eng := engine.New(s, colls, addr, filter, accounts, nil, testBaseURL)

	srv := New(s, colls, accounts, filter, eng, sig, testBaseURL, "example.test")
	return srv, accounts
}

func doJSON(t *testing.T, srv *Server, method, target string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestRootServesServiceActor(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, testBaseURL, body[activity.IDProperty])
	assert.Equal(t, activity.ServiceType, body[activity.TypeProperty])
}

func TestRegisterSubmitCreatesAccount(t *testing.T) {
	srv, _ := newTestServer(t)

	form := "username=alice&password=correcthorsebattery&confirmation=correcthorsebattery"
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `class="token"`)
}

func TestWebfingerResolvesRegisteredAccount(t *testing.T) {
	srv, accounts := newTestServer(t)
	_, err := accounts.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@example.test", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "acct:alice@example.test", body["subject"])
}

func TestWebfingerRejectsUnknownHost(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@somewhere.else", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPersonRequiresNoAuthForPublicActor(t *testing.T) {
	srv, accounts := newTestServer(t)
	account, err := accounts.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	token := account.ActorIRI[len(testBaseURL+"/person/"):]
	rec := doJSON(t, srv, http.MethodGet, "/person/"+token, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, account.ActorIRI, body[activity.IDProperty])
	assert.Equal(t, activity.PersonType, body[activity.TypeProperty])
}

func TestKeyEndpointServesDereferenceableKey(t *testing.T) {
	srv, accounts := newTestServer(t)
	account, err := accounts.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	keyID, err := accounts.KeyIDFor(account.ActorIRI)
	require.NoError(t, err)

	token := keyID[len(testBaseURL+"/key/"):]
	rec := doJSON(t, srv, http.MethodGet, "/key/"+token, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, activity.KeyType, body[activity.TypeProperty])
	assert.NotEmpty(t, body["publicKeyPem"])
}

func TestOutboxPostRequiresOwnerToken(t *testing.T) {
	srv, accounts := newTestServer(t)
	alice, err := accounts.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)
	bob, err := accounts.Register("bob", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	outboxToken := actorOutboxToken(t, srv, alice.ActorIRI)

	note := map[string]any{
		activity.TypeProperty:   activity.CreateType,
		activity.ObjectProperty: map[string]any{activity.TypeProperty: "Note", "content": "hello"},
	}

	// Wrong actor's token is rejected.
	rec := doJSON(t, srv, http.MethodPost, "/orderedcollection/"+outboxToken, bob.Token, note)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Owner's token succeeds and returns the stamped activity.
	rec = doJSON(t, srv, http.MethodPost, "/orderedcollection/"+outboxToken, alice.Token, note)
	require.Equal(t, http.StatusOK, rec.Code)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, alice.ActorIRI, stored[activity.ActorProperty])
	assert.NotEmpty(t, stored[activity.IDProperty])
}

func TestOutboxPostWithoutTokenIsUnauthorized(t *testing.T) {
	srv, accounts := newTestServer(t)
	alice, err := accounts.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	outboxToken := actorOutboxToken(t, srv, alice.ActorIRI)
	rec := doJSON(t, srv, http.MethodPost, "/orderedcollection/"+outboxToken, "", map[string]any{
		activity.TypeProperty: activity.CreateType,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCollectionPostRejectsNonInboxOutbox(t *testing.T) {
	srv, accounts := newTestServer(t)
	alice, err := accounts.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	followersToken := actorFollowersToken(t, srv, alice.ActorIRI)
	rec := doJSON(t, srv, http.MethodPost, "/orderedcollection/"+followersToken, alice.Token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollectionAndPageRoundTrip(t *testing.T) {
	srv, accounts := newTestServer(t)
	alice, err := accounts.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	outboxToken := actorOutboxToken(t, srv, alice.ActorIRI)
	note := map[string]any{
		activity.TypeProperty:   activity.CreateType,
		activity.ObjectProperty: map[string]any{activity.TypeProperty: "Note", "content": "hello"},
	}
	rec := doJSON(t, srv, http.MethodPost, "/orderedcollection/"+outboxToken, alice.Token, note)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/orderedcollection/"+outboxToken, alice.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var coll map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &coll))
	assert.EqualValues(t, 1, coll["totalItems"])
	first, _ := coll["first"].(string)
	require.NotEmpty(t, first)

	pagePath := first[len(testBaseURL):]
	rec = doJSON(t, srv, http.MethodGet, pagePath, alice.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	items, _ := page["orderedItems"].([]any)
	assert.Len(t, items, 1)
}

func actorOutboxToken(t *testing.T, srv *Server, actorIRI string) string {
	t.Helper()
	obj, err := srv.store.Get(actorIRI)
	require.NoError(t, err)
	outbox := activity.IDOf(obj["outbox"])
	require.NotEmpty(t, outbox)
	return outbox[len(testBaseURL+"/orderedcollection/"):]
}

func actorFollowersToken(t *testing.T, srv *Server, actorIRI string) string {
	t.Helper()
	obj, err := srv.store.Get(actorIRI)
	require.NoError(t, err)
	followers := activity.IDOf(obj["followers"])
	require.NotEmpty(t, followers)
	return followers[len(testBaseURL+"/orderedcollection/"):]
}
