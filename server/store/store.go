// Package store implements the Object Store (C1): objects are opaque
// JSON persisted by IRI, with shallow-merge patching and tombstoning.
// Grounded on the teacher's server/data and server/storage packages,
// which both used gorm.io/gorm over a sqlite connection; this package
// folds their split (a generic "activity object" table plus per-kind
// tables) into a single objects table, since C1's contract only ever
// needs get/put/patch/tombstone by IRI.
package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/errkind"
	"github.com/onepagepub/onepagepub/server/telemetry"
)

// row is the gorm model backing one stored object. The JSON payload is
// stored with gorm's serializer tag, the same technique used to keep
// arbitrary ActivityPub payloads in a single column elsewhere in the
// example corpus (a plain map column tagged `serializer:json`) rather
// than hand-rolling json.Marshal/Unmarshal at every call site.
type row struct {
	IRI       string         `gorm:"primaryKey"`
	Payload   map[string]any `gorm:"serializer:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (row) TableName() string { return "objects" }

// Store is the C1 Object Store.
type Store struct {
	db *gorm.DB

	// mu serializes WithTx calls, one activity's transaction at a time
	// across all IRIs, so two concurrent Updates to the same object
	// can't interleave. Patch and Tombstone do not take it themselves;
	// the engine calls them inside WithTx. A single global mutex is coarse but the store
	// is not the bottleneck relative to network delivery, and it keeps
	// the "multi-object transaction spanning one activity" guarantee
	// (ยง5) simple: engine.go wraps a whole activity's mutations in one
	// gorm transaction anyway.
	mu sync.Mutex
}

// Open connects to a sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening object store: %w", err)
	}
	return New(db)
}

// New wraps an already-open gorm connection, migrating the schema onto
// it. Collections and the actor registry share this same connection so
// the engine can wrap a whole activity's C1/C2 mutations in one real
// database transaction (see DB and WithTx).
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("migrating object store: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying gorm connection so sibling packages
// (collections, actors) can bind themselves to the same transaction
// inside WithTx.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx runs fn inside a gorm transaction and returns its error,
// rolling back on any failure. Used by the engine to make one
// activity's mutations atomic (ยง4.6 step 4/5, ยง5).
func (s *Store) WithTx(fn func(tx *Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx})
	})
}

// Put inserts a new object, failing Conflict if the IRI already exists.
func (s *Store) Put(obj activity.Object) error {
	iri := obj.ID()
	if iri == "" {
		return errkind.New(errkind.BadRequest, "object has no id")
	}
	r := row{IRI: iri, Payload: map[string]any(obj)}
	if err := s.db.Create(&r).Error; err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "object id already exists: "+iri)
		}
		return errkind.Wrap(errkind.Internal, "storing object", err)
	}
	return nil
}

// Get returns the full object for iri. Tombstones are returned as-is;
// callers that need to translate that into HTTP 410 do so themselves.
func (s *Store) Get(iri string) (activity.Object, error) {
	var r row
	tx := s.db.Where("iri = ?", iri).First(&r)
	if tx.Error != nil {
		if isNotFound(tx.Error) {
			return nil, errkind.New(errkind.NotFound, "object not found: "+iri)
		}
		return nil, errkind.Wrap(errkind.Internal, "reading object", tx.Error)
	}
	return activity.Object(r.Payload), nil
}

// Exists reports whether iri names a stored object.
func (s *Store) Exists(iri string) bool {
	_, err := s.Get(iri)
	return err == nil
}

// Patch shallow-merges fields into the object named by iri. A field
// set to JSON null is removed; anything else replaces the existing
// value at that key.
func (s *Store) Patch(iri string, fields map[string]any) (activity.Object, error) {
	obj, err := s.Get(iri)
	if err != nil {
		return nil, err
	}
	if obj.TypeIs(activity.TombstoneType) {
		return nil, errkind.New(errkind.Gone, "object is deleted: "+iri)
	}
	merged := obj.Clone()
	for k, v := range fields {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if err := s.save(iri, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Tombstone transitions the object named by iri into a Tombstone, per
// C1's contract.
func (s *Store) Tombstone(iri string, now time.Time) (activity.Object, error) {
	obj, err := s.Get(iri)
	if err != nil {
		return nil, err
	}
	if obj.TypeIs(activity.TombstoneType) {
		return obj, nil
	}
	stone := activity.Tombstone(obj, now)
	if err := s.save(iri, stone); err != nil {
		return nil, err
	}
	return stone, nil
}

func (s *Store) save(iri string, obj activity.Object) error {
	// A struct (not a map) argument, so gorm applies Payload's json
	// serializer; a raw map would reach the driver unserialized.
	tx := s.db.Model(&row{}).Where("iri = ?", iri).Updates(row{Payload: map[string]any(obj)})
	if tx.Error != nil {
		return errkind.Wrap(errkind.Internal, "updating object", tx.Error)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	if s.db == nil {
		return
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		telemetry.Error(err, "getting sql.DB from gorm for close")
		return
	}
	sqlDB.Close()
}

func isNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// glebarez/sqlite surfaces sqlite3.Error with ExtendedCode
	// ErrConstraintUnique/ErrConstraintPrimaryKey; matching on the
	// message keeps this store free of a direct driver import, which
	// is only pulled in transitively for its side-effecting registration.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
