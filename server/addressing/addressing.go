// Package addressing implements the Addressing Resolver (C5): turning
// the raw to/cc/bto/bcc/audience properties of an activity into a
// concrete set of actor IRIs plus a public flag.
//
// Local followers/following collections are inlined directly from C2;
// everything else is dereferenced over HTTP once and cached, grounded
// on the client fetch shape in gowiki's internal/client/client.go and
// cached with the same karlseguin/ccache generic cache the teacher
// used for actor caching in its tests.
package addressing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/telemetry"
)

// Result is the outcome of expanding an addressing set.
type Result struct {
	Actors []string
	Public bool
}

// Contains reports whether iri is one of the resolved actor IRIs.
func (r Result) Contains(iri string) bool {
	for _, a := range r.Actors {
		if a == iri {
			return true
		}
	}
	return false
}

// Resolver is the C5 Addressing Resolver.
type Resolver struct {
	colls   *collections.Engine
	client  *http.Client
	cache   *ccache.Cache[[]string]
	timeout time.Duration
}

// New builds a Resolver. timeout bounds each remote collection
// dereference; failures (including timeout) resolve to an empty member
// set rather than an error, per ยง4.5.
func New(colls *collections.Engine, timeout time.Duration) *Resolver {
	return &Resolver{
		colls:   colls,
		client:  &http.Client{},
		cache:   ccache.New(ccache.Configure[[]string]()),
		timeout: timeout,
	}
}

// Expand flattens and resolves the raw values of to/cc/bto/bcc/audience
// (each may be a bare string, an array, or an embedded map) into a set
// of concrete actor IRIs plus a public flag.
func (r *Resolver) Expand(values ...any) Result {
	var flat []string
	for _, v := range values {
		flat = append(flat, activity.IRIsOf(v)...)
	}

	seen := make(map[string]bool)
	result := Result{}
	for _, iri := range flat {
		if iri == "" || seen[iri] {
			continue
		}
		seen[iri] = true

		if iri == activity.PublicIRI {
			result.Public = true
			continue
		}

		if members, ok := r.tryCollection(iri); ok {
			for _, m := range members {
				if !seen[m] {
					seen[m] = true
					result.Actors = append(result.Actors, m)
				}
			}
			continue
		}

		result.Actors = append(result.Actors, iri)
	}
	return result
}

// tryCollection resolves iri as a collection if it looks like one,
// returning its member IRIs. ok is false if iri isn't a collection at
// all (an ordinary actor IRI).
func (r *Resolver) tryCollection(iri string) (members []string, ok bool) {
	if !looksLikeCollection(iri) {
		return nil, false
	}

	if _, err := r.colls.Get(iri); err == nil {
		// Local collection: enumerate directly rather than round-tripping
		// through our own HTTP surface. No recursion into
		// followers-of-followers or nested memberships either way.
		items, err := r.colls.AllItems(iri)
		if err != nil {
			telemetry.Error(err, "reading local collection %s for addressing", iri)
			return nil, true
		}
		return items, true
	}

	return r.dereferenceRemote(iri), true
}

func looksLikeCollection(iri string) bool {
	return strings.Contains(iri, "/orderedcollection/") ||
		strings.Contains(iri, "/collection/") ||
		strings.HasSuffix(iri, "/followers") ||
		strings.HasSuffix(iri, "/following")
}

// dereferenceRemote fetches a remote collection once and reads its
// items/orderedItems, caching the (possibly empty) result.
func (r *Resolver) dereferenceRemote(iri string) []string {
	if item := r.cache.Get(iri); item != nil && !item.Expired() {
		return item.Value()
	}

	members := r.fetchCollection(iri)
	r.cache.Set(iri, members, 10*time.Minute)
	return members
}

func (r *Resolver) fetchCollection(iri string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		telemetry.Error(err, "building request for remote collection %s", iri)
		return nil
	}
	req.Header.Set("Accept", activity.AcceptActivityJSON)

	resp, err := r.client.Do(req)
	if err != nil {
		telemetry.Trace("remote collection fetch failed for %s: %v", iri, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		telemetry.Trace("remote collection fetch for %s returned %d", iri, resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		telemetry.Trace("reading remote collection %s failed: %v", iri, err)
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		telemetry.Trace("decoding remote collection %s failed: %v", iri, err)
		return nil
	}
	obj := activity.Object(raw)

	items := activity.IRIsOf(obj[activity.ItemsProperty])
	items = append(items, activity.IRIsOf(obj[activity.OrderedItemsProperty])...)
	return items
}
