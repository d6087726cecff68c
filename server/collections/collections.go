// Package collections implements the Collection Engine (C2):
// append-only ordered collections with paged, LIFO reads, membership
// tests, and totals. Grounded on the teacher's gorm+sqlite storage
// idiom (server/storage, server/data), generalized from the teacher's
// single fixed-shape Note collection into a generic ordered-IRI
// collection any component can create.
package collections

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/onepagepub/onepagepub/server/errkind"
)

type collectionRow struct {
	IRI       string `gorm:"primaryKey"`
	OwnerIRI  string `gorm:"index"`
	Name      string
	Private   bool
	CreatedAt time.Time
}

func (collectionRow) TableName() string { return "collections" }

// itemRow rows appear in strict insertion (LIFO) order via the
// autoincrement ID column. The unique index on (CollectionIRI,
// ItemIRI) is both the "items appear at most once" invariant (ยง3) and
// the at-most-once inbox-delivery de-dup constraint (SPEC_FULL.md ยง13):
// an inbox is just a collection, and an activity's id is just an item.
type itemRow struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	CollectionIRI string `gorm:"uniqueIndex:idx_collection_item"`
	ItemIRI       string `gorm:"uniqueIndex:idx_collection_item"`
	CreatedAt     time.Time
}

func (itemRow) TableName() string { return "collection_items" }

// lockTable holds the per-collection append/remove locks behind a
// pointer, so WithDB's shallow copy of Engine shares one lock table
// instead of copying sync.Mutex by value (go vet: copylocks) and
// silently forking the mutex guarding the shared locks map.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *lockTable) lockFor(iri string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[iri]
	if !ok {
		m = &sync.Mutex{}
		t.locks[iri] = m
	}
	return m
}

// Engine is the C2 Collection Engine.
type Engine struct {
	db       *gorm.DB
	baseURL  string
	pageSize int

	locks *lockTable
}

// Open connects to a sqlite database at path and migrates the schema.
func Open(path, baseURL string, pageSize int) (*Engine, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening collection engine: %w", err)
	}
	return New(db, baseURL, pageSize)
}

// New wraps an already-open gorm connection, migrating the schema onto
// it. Sharing a connection with the object store lets the engine
// enlist collection mutations in the same database transaction as
// object mutations for one activity.
func New(db *gorm.DB, baseURL string, pageSize int) (*Engine, error) {
	if err := db.AutoMigrate(&collectionRow{}, &itemRow{}); err != nil {
		return nil, fmt.Errorf("migrating collection engine: %w", err)
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Engine{
		db:       db,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: pageSize,
		locks:    &lockTable{locks: make(map[string]*sync.Mutex)},
	}, nil
}

// WithDB returns a shallow copy of the engine bound to a different
// gorm connection (typically an in-flight transaction), sharing the
// same per-collection lock table and configuration.
func (e *Engine) WithDB(db *gorm.DB) *Engine {
	c := *e
	c.db = db
	return &c
}

func (e *Engine) Close() {
	if e.db == nil {
		return
	}
	if sqlDB, err := e.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Collection describes an OrderedCollection's metadata as read from C2.
type Collection struct {
	IRI        string
	OwnerIRI   string
	Name       string
	Private    bool
	TotalItems int
	First      string
	Last       string
}

// Create mints a fresh OrderedCollection IRI owned by owner.
func (e *Engine) Create(owner, name string, private bool) (string, error) {
	iri := fmt.Sprintf("%s/orderedcollection/%s", e.baseURL, uuid.NewString())
	row := collectionRow{IRI: iri, OwnerIRI: owner, Name: name, Private: private}
	if err := e.db.Create(&row).Error; err != nil {
		return "", errkind.Wrap(errkind.Internal, "creating collection", err)
	}
	return iri, nil
}

// Get reads a collection's metadata, including derived first/last page
// IRIs and its unfiltered total.
func (e *Engine) Get(iri string) (Collection, error) {
	var row collectionRow
	tx := e.db.Where("iri = ?", iri).First(&row)
	if tx.Error != nil {
		if tx.Error == gorm.ErrRecordNotFound {
			return Collection{}, errkind.New(errkind.NotFound, "collection not found: "+iri)
		}
		return Collection{}, errkind.Wrap(errkind.Internal, "reading collection", tx.Error)
	}
	total, err := e.count(iri)
	if err != nil {
		return Collection{}, err
	}
	lastPage := 0
	if total > 0 {
		lastPage = (total - 1) / e.pageSize
	}
	return Collection{
		IRI:        row.IRI,
		OwnerIRI:   row.OwnerIRI,
		Name:       row.Name,
		Private:    row.Private,
		TotalItems: total,
		First:      pageIRI(e.baseURL, iri, 0),
		Last:       pageIRI(e.baseURL, iri, lastPage),
	}, nil
}

func (e *Engine) count(iri string) (int, error) {
	var n int64
	tx := e.db.Model(&itemRow{}).Where("collection_iri = ?", iri).Count(&n)
	if tx.Error != nil {
		return 0, errkind.Wrap(errkind.Internal, "counting collection items", tx.Error)
	}
	return int(n), nil
}

// Append adds item to coll, idempotently: re-appending an item already
// present is a no-op, per the "at most once" invariant. Serialized per
// collection so concurrent Appends can't race on totalItems accounting.
func (e *Engine) Append(coll, item string) error {
	lock := e.locks.lockFor(coll)
	lock.Lock()
	defer lock.Unlock()

	row := itemRow{CollectionIRI: coll, ItemIRI: item}
	tx := e.db.Create(&row)
	if tx.Error != nil {
		if isUniqueViolation(tx.Error) {
			return nil // already a member
		}
		return errkind.Wrap(errkind.Internal, "appending to collection", tx.Error)
	}
	return nil
}

// Remove deletes item from coll if present.
func (e *Engine) Remove(coll, item string) error {
	lock := e.locks.lockFor(coll)
	lock.Lock()
	defer lock.Unlock()

	tx := e.db.Where("collection_iri = ? AND item_iri = ?", coll, item).Delete(&itemRow{})
	if tx.Error != nil {
		return errkind.Wrap(errkind.Internal, "removing from collection", tx.Error)
	}
	return nil
}

// Contains reports whether item is a member of coll.
func (e *Engine) Contains(coll, item string) (bool, error) {
	var n int64
	tx := e.db.Model(&itemRow{}).Where("collection_iri = ? AND item_iri = ?", coll, item).Count(&n)
	if tx.Error != nil {
		return false, errkind.Wrap(errkind.Internal, "checking collection membership", tx.Error)
	}
	return n > 0, nil
}

// AllItems returns every member IRI of coll, newest first, with no
// paging applied. Used by the addressing resolver to inline a local
// followers/following collection in one shot (ยง4.5).
func (e *Engine) AllItems(coll string) ([]string, error) {
	var rows []itemRow
	tx := e.db.Where("collection_iri = ?", coll).Order("id DESC").Find(&rows)
	if tx.Error != nil {
		return nil, errkind.Wrap(errkind.Internal, "reading collection items", tx.Error)
	}
	items := make([]string, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.ItemIRI)
	}
	return items, nil
}

// Page is one rendered OrderedCollectionPage.
type Page struct {
	PartOf       string
	OrderedItems []string
	Next         string
	Prev         string
	TotalItems   int
}

// PageOf reads page number n (0 = newest) of coll, applying allowed as
// a visibility predicate over each candidate item IRI. Items that fail
// the predicate are silently dropped from OrderedItems, but TotalItems
// still reflects the collection's unfiltered count, per ยง4.2/ยง9 Open
// Question 2.
func (e *Engine) PageOf(coll string, n int, allowed func(itemIRI string) bool) (Page, error) {
	if n < 0 {
		n = 0
	}
	var rows []itemRow
	tx := e.db.Where("collection_iri = ?", coll).
		Order("id DESC").
		Offset(n * e.pageSize).
		Limit(e.pageSize).
		Find(&rows)
	if tx.Error != nil {
		return Page{}, errkind.Wrap(errkind.Internal, "reading collection page", tx.Error)
	}

	total, err := e.count(coll)
	if err != nil {
		return Page{}, err
	}

	items := make([]string, 0, len(rows))
	for _, r := range rows {
		if allowed == nil || allowed(r.ItemIRI) {
			items = append(items, r.ItemIRI)
		}
	}

	page := Page{
		PartOf:       coll,
		OrderedItems: items,
		TotalItems:   total,
	}
	if (n+1)*e.pageSize < total {
		page.Next = pageIRI(e.baseURL, coll, n+1)
	}
	if n > 0 {
		page.Prev = pageIRI(e.baseURL, coll, n-1)
	}
	return page, nil
}

// Page parses a page IRI (as minted by pageIRI) and reads it.
func (e *Engine) Page(pageIRIStr string, allowed func(itemIRI string) bool) (Page, error) {
	coll, n, err := ParsePageIRI(pageIRIStr)
	if err != nil {
		return Page{}, err
	}
	return e.PageOf(coll, n, allowed)
}

func pageIRI(baseURL, collIRI string, n int) string {
	token := strings.TrimPrefix(collIRI, baseURL+"/orderedcollection/")
	if n == 0 {
		return fmt.Sprintf("%s/orderedcollectionpage/%s", baseURL, token)
	}
	return fmt.Sprintf("%s/orderedcollectionpage/%s?page=%d", baseURL, token, n)
}

// ParsePageIRI splits a page IRI (as minted by pageIRI) into its parent
// collection IRI and page number, so callers can look up the parent
// collection's metadata (owner, privacy) before reading the page.
func ParsePageIRI(pageIRIStr string) (coll string, n int, err error) {
	base, query, _ := strings.Cut(pageIRIStr, "?")
	idx := strings.LastIndex(base, "/orderedcollectionpage/")
	if idx < 0 {
		return "", 0, errkind.New(errkind.BadRequest, "malformed page iri: "+pageIRIStr)
	}
	prefix := base[:idx]
	token := base[idx+len("/orderedcollectionpage/"):]
	coll = fmt.Sprintf("%s/orderedcollection/%s", prefix, token)
	n = 0
	if query != "" {
		for _, kv := range strings.Split(query, "&") {
			k, v, _ := strings.Cut(kv, "=")
			if k == "page" {
				if parsed, perr := strconv.Atoi(v); perr == nil {
					n = parsed
				}
			}
		}
	}
	return coll, n, nil
}

// TokenOf extracts a collection or page IRI's opaque token, used by C9
// route handlers that receive just {id} from the router.
func TokenOf(baseURL, iri string) string {
	iri = strings.TrimPrefix(iri, baseURL+"/orderedcollection/")
	iri = strings.TrimPrefix(iri, baseURL+"/orderedcollectionpage/")
	return iri
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed")
}
