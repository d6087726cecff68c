// Package actors implements the Actor Registry & Registration (C3):
// minting local Person actors with their seven owned collections and
// keypair, WebFinger resolution, and the bearer-token auth lookup.
// HTTP-signature verification lives in the httpsig package; this
// package only supplies signing keys (PrivateKeyFor, KeyIDFor).
//
// Grounded on the teacher's server/storage (gorm-over-sqlite actor
// bookkeeping) generalized to local accounts, and on gowiki's
// internal/utils/keys.go for RSA keypair generation and
// internal/validate/validate.go for the registration input checks.
package actors

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/errkind"
	"github.com/onepagepub/onepagepub/server/store"
)

const keyBits = 2048

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

// accountRow is the local-only sidecar to an Actor object: never
// exposed over the API, one-to-one with the Actor.
type accountRow struct {
	Username     string `gorm:"primaryKey"`
	PasswordHash string
	Token        string `gorm:"uniqueIndex"`
	ActorIRI     string `gorm:"uniqueIndex"`
	PrivateKey   string // PEM
	CreatedAt    time.Time
}

func (accountRow) TableName() string { return "accounts" }

// Account is the public view of a registered local user.
type Account struct {
	Username string
	ActorIRI string
	Token    string
}

// Registry is the C3 Actor Registry.
type Registry struct {
	db      *gorm.DB
	store   *store.Store
	colls   *collections.Engine
	baseURL string
}

// Open connects to a sqlite database at path and migrates the schema.
func Open(path string, objStore *store.Store, colls *collections.Engine, baseURL string) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening actor registry: %w", err)
	}
	return New(db, objStore, colls, baseURL)
}

// New wraps an already-open gorm connection, migrating the schema onto
// it, so accounts share one physical database with objects and
// collections.
func New(db *gorm.DB, objStore *store.Store, colls *collections.Engine, baseURL string) (*Registry, error) {
	if err := db.AutoMigrate(&accountRow{}); err != nil {
		return nil, fmt.Errorf("migrating actor registry: %w", err)
	}
	return &Registry{db: db, store: objStore, colls: colls, baseURL: baseURL}, nil
}

// WithDB returns a shallow copy of the registry bound to a different
// gorm connection (typically an in-flight transaction).
func (r *Registry) WithDB(db *gorm.DB) *Registry {
	c := *r
	c.db = db
	return &c
}

func (r *Registry) Close() {
	if r.db == nil {
		return
	}
	if sqlDB, err := r.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Register validates username/password/confirmation, mints a keypair,
// actor IRI, and seven owned collections, and stores the account. It
// returns the account including its one-time bearer token.
func (r *Registry) Register(username, password, confirmation string) (Account, error) {
	if !usernamePattern.MatchString(username) {
		return Account{}, errkind.New(errkind.BadRequest, "username must match [A-Za-z0-9_]{1,32}")
	}
	if password != confirmation {
		return Account{}, errkind.New(errkind.BadRequest, "password confirmation does not match")
	}
	if len(password) < 8 {
		return Account{}, errkind.New(errkind.BadRequest, "password too short; minimum 8 characters")
	}

	var existing int64
	if err := r.db.Model(&accountRow{}).Where("username = ?", username).Count(&existing).Error; err != nil {
		return Account{}, errkind.Wrap(errkind.Internal, "checking username", err)
	}
	if existing > 0 {
		return Account{}, errkind.New(errkind.Conflict, "username already taken: "+username)
	}

	pubPEM, privPEM, err := generateKeypair(keyBits)
	if err != nil {
		return Account{}, errkind.Wrap(errkind.Internal, "generating keypair", err)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, errkind.Wrap(errkind.Internal, "hashing password", err)
	}

	token, err := mintToken()
	if err != nil {
		return Account{}, errkind.Wrap(errkind.Internal, "minting bearer token", err)
	}

	actorIRI := fmt.Sprintf("%s/person/%s", r.baseURL, uuid.NewString())
	now := time.Now().UTC()

	// Seven owned collections. The spec names six (inbox, outbox,
	// followers, following, liked, blocked) but calls the set "seven
	// collection IRIs"; shares rounds it out, mirroring the shares
	// back-reference every object gets on creation.
	inbox, err := r.colls.Create(actorIRI, "inbox", false)
	if err != nil {
		return Account{}, err
	}
	outbox, err := r.colls.Create(actorIRI, "outbox", false)
	if err != nil {
		return Account{}, err
	}
	followers, err := r.colls.Create(actorIRI, "followers", false)
	if err != nil {
		return Account{}, err
	}
	following, err := r.colls.Create(actorIRI, "following", false)
	if err != nil {
		return Account{}, err
	}
	liked, err := r.colls.Create(actorIRI, "liked", false)
	if err != nil {
		return Account{}, err
	}
	blocked, err := r.colls.Create(actorIRI, "blocked", true)
	if err != nil {
		return Account{}, err
	}
	shares, err := r.colls.Create(actorIRI, "shares", false)
	if err != nil {
		return Account{}, err
	}

	// The public key gets its own dereferenceable IRI under /key/{id}
	// (per C9's route table), not just an actor-relative fragment, so a
	// remote server that only has a keyId can GET it directly.
	keyIRI := fmt.Sprintf("%s/key/%s", r.baseURL, uuid.NewString())
	keyObject := activity.Object{
		activity.IDProperty:   keyIRI,
		activity.TypeProperty: activity.KeyType,
		"owner":               actorIRI,
		"publicKeyPem":        pubPEM,
	}
	if err := r.store.Put(keyObject); err != nil {
		return Account{}, err
	}

	actor := activity.Object{
		activity.IDProperty:        actorIRI,
		activity.TypeProperty:      activity.PersonType,
		"preferredUsername":        username,
		"inbox":                    inbox,
		"outbox":                   outbox,
		"followers":                followers,
		"following":                following,
		"liked":                    liked,
		"blocked":                  blocked,
		"shares":                   shares,
		activity.PublishedProperty: now.Format(activity.TimeFormat),
		activity.UpdatedProperty:   now.Format(activity.TimeFormat),
		"publicKey": map[string]any{
			"id":           keyIRI,
			"owner":        actorIRI,
			"type":         activity.KeyType,
			"publicKeyPem": pubPEM,
		},
	}
	if err := r.store.Put(actor); err != nil {
		return Account{}, err
	}

	row := accountRow{
		Username:     username,
		PasswordHash: string(passwordHash),
		Token:        token,
		ActorIRI:     actorIRI,
		PrivateKey:   privPEM,
	}
	if err := r.db.Create(&row).Error; err != nil {
		return Account{}, errkind.Wrap(errkind.Internal, "storing account", err)
	}

	return Account{Username: username, ActorIRI: actorIRI, Token: token}, nil
}

// AuthByToken resolves a bearer token to the actor IRI it belongs to.
func (r *Registry) AuthByToken(token string) (string, error) {
	if token == "" {
		return "", errkind.New(errkind.Unauthorized, "missing bearer token")
	}
	var row accountRow
	tx := r.db.Where("token = ?", token).First(&row)
	if tx.Error != nil {
		if tx.Error == gorm.ErrRecordNotFound {
			return "", errkind.New(errkind.Unauthorized, "invalid bearer token")
		}
		return "", errkind.Wrap(errkind.Internal, "looking up token", tx.Error)
	}
	return row.ActorIRI, nil
}

// PrivateKeyFor returns the PEM-encoded private key for the local actor
// named by actorIRI, used by C8 to sign outbound deliveries.
func (r *Registry) PrivateKeyFor(actorIRI string) (string, error) {
	var row accountRow
	tx := r.db.Where("actor_iri = ?", actorIRI).First(&row)
	if tx.Error != nil {
		if tx.Error == gorm.ErrRecordNotFound {
			return "", errkind.New(errkind.NotFound, "no local account for actor: "+actorIRI)
		}
		return "", errkind.Wrap(errkind.Internal, "looking up private key", tx.Error)
	}
	return row.PrivateKey, nil
}

// KeyIDFor returns the dereferenceable key IRI (the actor's
// publicKey.id) a signed request to actorIRI's outbound deliveries
// should name as keyId.
func (r *Registry) KeyIDFor(actorIRI string) (string, error) {
	actor, err := r.store.Get(actorIRI)
	if err != nil {
		return "", err
	}
	pubKey, _ := actor["publicKey"].(map[string]any)
	keyID := activity.IDOf(pubKey)
	if keyID == "" {
		return "", errkind.New(errkind.Internal, "actor has no publicKey: "+actorIRI)
	}
	return keyID, nil
}

// IsLocal reports whether actorIRI names a locally registered account.
func (r *Registry) IsLocal(actorIRI string) bool {
	var n int64
	r.db.Model(&accountRow{}).Where("actor_iri = ?", actorIRI).Count(&n)
	return n > 0
}

// WebfingerSubject is the JRD document served at
// /.well-known/webfinger?resource=acct:user@host.
type WebfingerSubject struct {
	Subject string          `json:"subject"`
	Links   []WebfingerLink `json:"links"`
}

// WebfingerLink is a single JRD link entry.
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// Webfinger resolves acct:username@host into the JRD naming the
// actor's canonical IRI, per C3.
func (r *Registry) Webfinger(username string) (WebfingerSubject, error) {
	var row accountRow
	tx := r.db.Where("username = ?", username).First(&row)
	if tx.Error != nil {
		if tx.Error == gorm.ErrRecordNotFound {
			return WebfingerSubject{}, errkind.New(errkind.NotFound, "no such account: "+username)
		}
		return WebfingerSubject{}, errkind.Wrap(errkind.Internal, "resolving webfinger", tx.Error)
	}
	return WebfingerSubject{
		Subject: fmt.Sprintf("acct:%s@%s", username, r.publicHost()),
		Links: []WebfingerLink{
			{Rel: "self", Type: activity.AcceptActivityJSON, Href: row.ActorIRI},
		},
	}, nil
}

// publicHost returns the bare hostname (no scheme, no port) subjects
// and IRIs are qualified against, matching config.Config.PublicHost's
// derivation from the same baseURL.
func (r *Registry) publicHost() string {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return r.baseURL
	}
	return u.Hostname()
}

func generateKeypair(bits int) (pubPEM, privPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", err
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	return pubPEM, privPEM, nil
}

func mintToken() (string, error) {
	b := make([]byte, 20) // 160 bits, comfortably over the >=128 bit floor
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
