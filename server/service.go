// Package server wires the C1-C9 modules into one running instance:
// the object store, collection engine, actor registry, addressing
// resolver, authorization filter, side-effect engine, delivery queue,
// and HTTP surface all share one configuration, and all of them except
// the delivery queue (which keeps its own sqlite file) share one
// database connection.
//
// Grounded on this same file's teacher shape (a Config-built
// ActivityService with an http.Server and a Close method), generalized
// from the teacher's database-per-user storage.Database into one
// shared *gorm.DB across every subsystem, which C6's transactional
// dispatch depends on.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/onepagepub/onepagepub/server/actors"
	"github.com/onepagepub/onepagepub/server/addressing"
	"github.com/onepagepub/onepagepub/server/authz"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/delivery"
	"github.com/onepagepub/onepagepub/server/engine"
	"github.com/onepagepub/onepagepub/server/httpsig"
	"github.com/onepagepub/onepagepub/server/store"
	"github.com/onepagepub/onepagepub/server/telemetry"
	"github.com/onepagepub/onepagepub/server/web"
)

// ActivityService is a fully wired instance: every C1-C9 module plus
// the HTTP listener that fronts them.
type ActivityService struct {
	Config Config
	Server http.Server

	db       *gorm.DB
	objStore *store.Store
	colls    *collections.Engine
	accounts *actors.Registry
	queue    *delivery.Queue
}

// NewService opens every subsystem against cfg.DBPath's single shared
// database and wires them into an HTTP server. Errors are logged and
// leave the returned ActivityService partially unwired, matching the
// teacher's habit of returning a best-effort zero value on setup
// failure rather than an error, so callers can decide whether to press
// on or bail based on which fields ended up nil.
func NewService(cfg Config) ActivityService {
	svc := ActivityService{Config: cfg}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		telemetry.Error(err, "opening database [%s]", cfg.DBPath)
		return svc
	}
	svc.db = db

	baseURL := cfg.BaseURL()

	objStore, err := store.New(db)
	if err != nil {
		telemetry.Error(err, "opening object store")
		return svc
	}
	svc.objStore = objStore

	colls, err := collections.New(db, baseURL, cfg.PageSize)
	if err != nil {
		telemetry.Error(err, "opening collection engine")
		return svc
	}
	svc.colls = colls

	accounts, err := actors.New(db, objStore, colls, baseURL)
	if err != nil {
		telemetry.Error(err, "opening actor registry")
		return svc
	}
	svc.accounts = accounts

	fetchTimeout := time.Duration(cfg.RemoteFetchTimeoutMS) * time.Millisecond
	addr := addressing.New(colls, fetchTimeout)
	filter := authz.New(objStore, colls, addr)
	sig := httpsig.New(time.Duration(cfg.SignatureSkewSeconds) * time.Second)

	queue, err := delivery.Open(context.Background(), delivery.Config{
		QueueDBPath:  cfg.QueueDBPath,
		MaxAttempts:  cfg.DeliveryMaxAttempts,
		Workers:      cfg.DeliveryWorkers,
		FetchTimeout: fetchTimeout,
	}, sig, accounts, baseURL)
	if err != nil {
		telemetry.Error(err, "opening delivery queue [%s]", cfg.QueueDBPath)
		return svc
	}
	svc.queue = queue

	eng := engine.New(objStore, colls, addr, filter, accounts, queue, baseURL)
	surface := web.New(objStore, colls, accounts, filter, eng, sig, baseURL, cfg.PublicHost())

	svc.Server = http.Server{
		Handler:      surface,
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
	}
	return svc
}

// ListenAndServe blocks serving HTTP, or HTTPS if cfg.UseTLS, until
// the listener stops.
func (s *ActivityService) ListenAndServe() error {
	if s.objStore == nil {
		return fmt.Errorf("service failed to initialize, see prior log output")
	}
	if s.Config.UseTLS() {
		telemetry.Log("tls listener starting on port %d", s.Config.Port)
		return s.Server.ListenAndServeTLS(s.Config.Certificate, s.Config.PrivateKey)
	}
	telemetry.Log("http listener starting on port %d", s.Config.Port)
	return s.Server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener and closes the shared
// database connection. The queue keeps its own separate sqlite file
// and is closed independently; the object store, collection engine,
// and actor registry all wrap the same *gorm.DB, so closing it once
// here is enough for all three.
func (s *ActivityService) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	if s.queue != nil {
		s.queue.Close()
	}
	if s.objStore != nil {
		s.objStore.Close()
	}
	telemetry.LogCounters()
	return err
}
