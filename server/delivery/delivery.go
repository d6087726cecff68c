// Package delivery implements the Federated Delivery Queue (C7): durable,
// retrying, worker-pool-bound delivery of activities to remote inboxes.
//
// Grounded on gowiki's internal/queue package, which drives the same
// github.com/mikestefanello/backlite generic task queue over a sqlite
// connection, with a generic Task type per queue and a processor
// function registered against it. That package resolves a remote
// actor's inbox from its own database cache; this one resolves it with
// a direct, cached dereference (the same shape as the addressing
// resolver's remote collection fetch) since there is no separate actor
// cache table here.
package delivery

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/karlseguin/ccache/v3"
	"github.com/mikestefanello/backlite"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/actors"
	"github.com/onepagepub/onepagepub/server/httpsig"
	"github.com/onepagepub/onepagepub/server/telemetry"
)

const queueName = "delivery"

// Task is one queued attempt to deliver an activity to a remote actor's
// inbox. It carries the fully addressed, already-stripped payload
// rather than an IRI, so redelivery never re-reads mutable state.
type Task struct {
	Target  string
	Sender  string
	Payload map[string]any
}

// Config implements backlite.Task. The spec calls for exponential
// backoff with jitter capped near a day over eight attempts; backlite's
// QueueConfig only exposes a single static Backoff duration and
// MaxAttempts, so this uses that native mechanism directly as a
// documented simplification (see DESIGN.md) rather than layering a
// custom scheduler on top of it.
func (Task) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        queueName,
		MaxAttempts: 8,
		Backoff:     30 * time.Second,
		Timeout:     30 * time.Second,
		Retention: &backlite.Retention{
			Duration:   24 * time.Hour,
			OnlyFailed: false,
		},
	}
}

// Queue is the C7 Federated Delivery Queue.
type Queue struct {
	db       *sql.DB
	client   *backlite.Client
	http     *http.Client
	sig      *httpsig.Service
	accounts *actors.Registry
	baseURL  string
	inboxes  *ccache.Cache[string]
}

// Config configures queue construction.
type Config struct {
	// QueueDBPath is a sqlite file distinct from the object store,
	// matching the teacher's split between application data and queue
	// bookkeeping (config.go's QueueDBPath).
	QueueDBPath string
	MaxAttempts int
	Workers     int
	FetchTimeout time.Duration
}

// Open opens the queue's own sqlite database, registers the delivery
// queue processor, and starts the worker pool.
func Open(ctx context.Context, cfg Config, sig *httpsig.Service, accounts *actors.Registry, baseURL string) (*Queue, error) {
	db, err := sql.Open("sqlite", cfg.QueueDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening delivery queue database: %w", err)
	}

	client, err := backlite.NewClient(backlite.ClientConfig{
		DB:              db,
		NumWorkers:      max(1, cfg.Workers),
		ReleaseAfter:    time.Minute,
		CleanupInterval: 10 * time.Minute,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating backlite client: %w", err)
	}

	q := &Queue{
		db:       db,
		client:   client,
		http:     &http.Client{Timeout: cfg.FetchTimeout},
		sig:      sig,
		accounts: accounts,
		baseURL:  baseURL,
		inboxes:  ccache.New(ccache.Configure[string]()),
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	queue := backlite.NewQueue[Task](q.process(maxAttempts))
	client.Register(queue)
	client.Start(ctx)

	return q, nil
}

// Enqueue implements engine.Delivery: it persists a durable task for
// delivering act to targetActorIRI's inbox, authenticated as
// senderActorIRI.
func (q *Queue) Enqueue(targetActorIRI string, act activity.Object, senderActorIRI string) error {
	task := Task{
		Target:  targetActorIRI,
		Sender:  senderActorIRI,
		Payload: map[string]any(act),
	}
	_, err := q.client.Add(task).Save()
	if err != nil {
		return fmt.Errorf("enqueueing delivery to %s: %w", targetActorIRI, err)
	}
	return nil
}

func (q *Queue) Close() {
	if q.db != nil {
		q.db.Close()
	}
}

// process returns the backlite processor for delivery tasks. Returning
// nil marks the task permanently failed without exhausting retries
// (used for 4xx responses other than 408/429); returning an error lets
// backlite retry per Task.Config's fixed 30s backoff, up to Task.Config's
// fixed ceiling of 8 attempts. The maxAttempts argument is not consulted,
// so Config.MaxAttempts does not change that ceiling.
func (q *Queue) process(maxAttempts int) func(context.Context, Task) error {
	return func(ctx context.Context, task Task) error {
		inbox, err := q.resolveInbox(ctx, task.Target)
		if err != nil {
			telemetry.Trace("delivery: could not resolve inbox for %s: %v", task.Target, err)
			return err
		}

		privPEM, err := q.accounts.PrivateKeyFor(task.Sender)
		if err != nil {
			// Not something a retry will fix.
			telemetry.Error(err, "delivery: sender %s has no local key", task.Sender)
			return nil
		}
		keyID, err := q.accounts.KeyIDFor(task.Sender)
		if err != nil {
			telemetry.Error(err, "delivery: sender %s has no key id", task.Sender)
			return nil
		}

		body, err := json.Marshal(task.Payload)
		if err != nil {
			telemetry.Error(err, "delivery: marshaling payload for %s", task.Target)
			return nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", activity.AcceptActivityJSON)
		req.Header.Set("Accept", activity.AcceptActivityJSON)

		if err := q.sig.Sign(req, body, keyID, privPEM); err != nil {
			telemetry.Error(err, "delivery: signing request to %s", inbox)
			return nil
		}

		resp, err := q.http.Do(req)
		if err != nil {
			return err // transient: network error, retry
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("delivery to %s: transient status %d", inbox, resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			telemetry.Trace("delivery to %s: permanent failure, status %d", inbox, resp.StatusCode)
			return nil
		default:
			return fmt.Errorf("delivery to %s: status %d", inbox, resp.StatusCode)
		}
	}
}

// resolveInbox dereferences a remote actor once to read its inbox IRI,
// caching the result the same way the addressing resolver caches remote
// collection membership.
func (q *Queue) resolveInbox(ctx context.Context, actorIRI string) (string, error) {
	if item := q.inboxes.Get(actorIRI); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorIRI, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", activity.AcceptActivityJSON)

	resp, err := q.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetching actor %s: status %d", actorIRI, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	inbox := activity.IDOf(activity.Object(m)["inbox"])
	if inbox == "" {
		return "", fmt.Errorf("actor %s has no inbox property", actorIRI)
	}

	q.inboxes.Set(actorIRI, inbox, time.Hour)
	return inbox, nil
}
