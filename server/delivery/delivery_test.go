package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/actors"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/httpsig"
	"github.com/onepagepub/onepagepub/server/store"
)

func newTestQueue(t *testing.T) (*Queue, *actors.Registry) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c, err := collections.New(s.DB(), "https://example.test", 20)
	require.NoError(t, err)

	a, err := actors.New(s.DB(), s, c, "https://example.test")
	require.NoError(t, err)

	q := &Queue{
		http:     &http.Client{Timeout: time.Second},
		sig:      httpsig.New(time.Second),
		accounts: a,
		baseURL:  "https://example.test",
		inboxes:  ccache.New(ccache.Configure[string]()),
	}
	return q, a
}

func TestResolveInboxDereferencesAndCaches(t *testing.T) {
	q, _ := newTestQueue(t)
	hits := 0

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "https://remote.test/person/bob",
			"type":  "Person",
			"inbox": "https://remote.test/inbox/bob",
		})
	}))
	defer remote.Close()

	inbox, err := q.resolveInbox(context.Background(), remote.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.test/inbox/bob", inbox)

	inbox2, err := q.resolveInbox(context.Background(), remote.URL)
	require.NoError(t, err)
	assert.Equal(t, inbox, inbox2)
	assert.Equal(t, 1, hits, "second lookup should hit the cache, not the network")
}

func TestProcessDeliversSignedRequest(t *testing.T) {
	q, a := newTestQueue(t)
	alice, err := a.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	var receivedSig string
	remoteInbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSig = r.Header.Get("Signature")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer remoteInbox.Close()

	remoteActor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "https://remote.test/person/bob",
			"type":  "Person",
			"inbox": remoteInbox.URL,
		})
	}))
	defer remoteActor.Close()

	processor := q.process(8)
	err = processor(context.Background(), Task{
		Target: remoteActor.URL,
		Sender: alice.ActorIRI,
		Payload: map[string]any{
			"id":   "https://example.test/object/1",
			"type": activity.FollowType,
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receivedSig)
}

func TestProcessTreatsClientErrorAsPermanentFailure(t *testing.T) {
	q, a := newTestQueue(t)
	alice, err := a.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	remoteInbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer remoteInbox.Close()

	remoteActor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "https://remote.test/person/bob",
			"inbox": remoteInbox.URL,
		})
	}))
	defer remoteActor.Close()

	processor := q.process(8)
	err = processor(context.Background(), Task{
		Target:  remoteActor.URL,
		Sender:  alice.ActorIRI,
		Payload: map[string]any{"id": "https://example.test/object/2", "type": "Follow"},
	})
	assert.NoError(t, err, "a 4xx (other than 408/429) is terminal, not retried")
}

func TestProcessTreatsServerErrorAsTransient(t *testing.T) {
	q, a := newTestQueue(t)
	alice, err := a.Register("alice", "correcthorsebattery", "correcthorsebattery")
	require.NoError(t, err)

	remoteInbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer remoteInbox.Close()

	remoteActor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "https://remote.test/person/bob",
			"inbox": remoteInbox.URL,
		})
	}))
	defer remoteActor.Close()

	processor := q.process(8)
	err = processor(context.Background(), Task{
		Target:  remoteActor.URL,
		Sender:  alice.ActorIRI,
		Payload: map[string]any{"id": "https://example.test/object/3", "type": "Follow"},
	})
	assert.Error(t, err, "a 5xx should be retried by backlite")
}
