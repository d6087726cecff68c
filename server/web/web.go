// Package web implements the HTTP Surface (C9): the gorilla/mux routes
// every C2S and S2S request enters through, translating bearer/HTTP-sig
// auth and errkind.Kind values into HTTP status codes in one place.
//
// Grounded on the teacher's server/service.go route wiring (mux router,
// one handler struct per resource) and server/inbox.go/outbox.go's
// direct ResponseWriter handling, generalized from the teacher's
// single fixed Note/Follow surface to the full route table C9 names.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/actors"
	"github.com/onepagepub/onepagepub/server/authz"
	"github.com/onepagepub/onepagepub/server/collections"
	"github.com/onepagepub/onepagepub/server/engine"
	"github.com/onepagepub/onepagepub/server/errkind"
	"github.com/onepagepub/onepagepub/server/httpsig"
	"github.com/onepagepub/onepagepub/server/store"
	"github.com/onepagepub/onepagepub/server/telemetry"
)

// Server is the C9 HTTP Surface.
type Server struct {
	store    *store.Store
	colls    *collections.Engine
	accounts *actors.Registry
	authz    *authz.Filter
	engine   *engine.Engine
	sig      *httpsig.Service
	baseURL  string
	host     string

	router *mux.Router
}

// New builds the HTTP surface and wires every route in C9's table.
func New(objStore *store.Store, colls *collections.Engine, accounts *actors.Registry, az *authz.Filter, eng *engine.Engine, sig *httpsig.Service, baseURL, host string) *Server {
	s := &Server{
		store:    objStore,
		colls:    colls,
		accounts: accounts,
		authz:    az,
		engine:   eng,
		sig:      sig,
		baseURL:  strings.TrimRight(baseURL, "/"),
		host:     host,
		router:   mux.NewRouter(),
	}
	s.addRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) addRoutes() {
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/register", s.handleRegisterForm).Methods(http.MethodGet)
	s.router.HandleFunc("/register", s.handleRegisterSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/.well-known/webfinger", s.handleWebfinger).Methods(http.MethodGet)
	s.router.HandleFunc("/person/{id}", s.handlePerson).Methods(http.MethodGet)
	s.router.HandleFunc("/key/{id}", s.handleKey).Methods(http.MethodGet)
	s.router.HandleFunc("/object/{id}", s.handleObject).Methods(http.MethodGet)
	s.router.HandleFunc("/orderedcollection/{id}", s.handleCollection).Methods(http.MethodGet)
	s.router.HandleFunc("/orderedcollection/{id}", s.handleCollectionPost).Methods(http.MethodPost)
	s.router.HandleFunc("/orderedcollectionpage/{id}", s.handlePage).Methods(http.MethodGet)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "root")
	writeJSON(w, http.StatusOK, activity.ContentType, map[string]any{
		activity.IDProperty:   s.baseURL,
		activity.TypeProperty: activity.ServiceType,
		"name":                "One Page Pub",
	})
}

const registerFormHTML = `<html><head><title>Register</title></head><body>
<h1>Register a new account</h1>
<form method="POST" action="/register">
<label>Username <input type="text" name="username"></label><br>
<label>Password <input type="password" name="password"></label><br>
<label>Confirm password <input type="password" name="confirmation"></label><br>
<input type="submit" value="Register">
</form>
</body></html>`

func (s *Server) handleRegisterForm(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "register form")
	w.Header().Set("Content-Type", activity.ContentTypeHTML)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, registerFormHTML)
}

func (s *Server) handleRegisterSubmit(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "register submit")
	if err := r.ParseForm(); err != nil {
		writeError(w, errkind.New(errkind.BadRequest, "malformed form body"))
		return
	}

	account, err := s.accounts.Register(r.FormValue("username"), r.FormValue("password"), r.FormValue("confirmation"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", activity.ContentTypeHTML)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<html><head><title>Registered</title></head><body>
<h1>Welcome, %s</h1>
<p>Your bearer token, shown once: <span class="token">%s</span></p>
<p>Your actor is <a href="%s">%s</a>.</p>
</body></html>`, account.Username, account.Token, account.ActorIRI, account.ActorIRI)
}

var acctResource = regexp.MustCompile(`^acct:([^@]+)@(.+)$`)

func (s *Server) handleWebfinger(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "webfinger")
	resource := r.URL.Query().Get("resource")
	matches := acctResource.FindStringSubmatch(resource)
	if matches == nil {
		writeError(w, errkind.New(errkind.BadRequest, "malformed or missing resource parameter"))
		return
	}
	username, host := matches[1], matches[2]
	if host != s.host {
		writeError(w, errkind.New(errkind.NotFound, "unknown host: "+host))
		return
	}

	subject, err := s.accounts.Webfinger(username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity.ContentTypeJRD, subject)
}

func (s *Server) handlePerson(w http.ResponseWriter, r *http.Request) {
	iri := s.baseURL + "/person/" + mux.Vars(r)["id"]
	telemetry.Request(r, "GET person %s", iri)

	viewer, err := s.resolveViewer(r)
	if err != nil {
		writeError(w, err)
		return
	}

	obj, err := s.store.Get(iri)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authz.AllowRead(obj, viewer); err != nil {
		writeError(w, err)
		return
	}
	writeActivityObject(w, obj)
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	iri := s.baseURL + "/key/" + mux.Vars(r)["id"]
	telemetry.Request(r, "GET key %s", iri)

	obj, err := s.store.Get(iri)
	if err != nil {
		writeError(w, err)
		return
	}
	writeActivityObject(w, obj)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	iri := s.baseURL + "/object/" + mux.Vars(r)["id"]
	telemetry.Request(r, "GET object %s", iri)

	viewer, err := s.resolveViewer(r)
	if err != nil {
		writeError(w, err)
		return
	}

	obj, err := s.store.Get(iri)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authz.AllowRead(obj, viewer); err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if obj.TypeIs(activity.TombstoneType) {
		status = http.StatusGone
	}
	writeJSON(w, status, activity.ContentType, withContext(obj))
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	iri := s.baseURL + "/orderedcollection/" + mux.Vars(r)["id"]
	telemetry.Request(r, "GET collection %s", iri)

	viewer, err := s.resolveViewer(r)
	if err != nil {
		writeError(w, err)
		return
	}

	coll, err := s.colls.Get(iri)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authz.AllowReadCollection(coll, viewer); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, activity.ContentType, activity.OrderedCollectionJSON{
		Context:    activity.FullContext(),
		ID:         coll.IRI,
		Type:       activity.OrderedCollectionType,
		TotalItems: coll.TotalItems,
		First:      coll.First,
		Last:       coll.Last,
	})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	pageIRI := s.baseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		pageIRI += "?" + r.URL.RawQuery
	}
	telemetry.Request(r, "GET page %s", pageIRI)

	viewer, err := s.resolveViewer(r)
	if err != nil {
		writeError(w, err)
		return
	}

	collIRI, _, err := collections.ParsePageIRI(pageIRI)
	if err != nil {
		writeError(w, err)
		return
	}
	coll, err := s.colls.Get(collIRI)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authz.AllowReadCollection(coll, viewer); err != nil {
		writeError(w, err)
		return
	}

	page, err := s.colls.Page(pageIRI, func(itemIRI string) bool {
		obj, err := s.store.Get(itemIRI)
		if err != nil {
			return false
		}
		return s.authz.AllowRead(obj, viewer) == nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	body := activity.OrderedCollectionPageJSON{
		Context:      activity.FullContext(),
		ID:           pageIRI,
		Type:         activity.OrderedCollectionPage,
		PartOf:       page.PartOf,
		OrderedItems: page.OrderedItems,
		TotalItems:   page.TotalItems,
		Next:         page.Next,
		Prev:         page.Prev,
	}
	writeJSON(w, http.StatusOK, activity.ContentType, body)
}

// handleCollectionPost is the single POST entry point for both inbox
// and outbox delivery: actor.inbox and actor.outbox are ordinary
// collection IRIs (minted by C2 like any other), so which behavior
// applies is decided by which named collection the id resolves to,
// not by a distinct URL shape.
func (s *Server) handleCollectionPost(w http.ResponseWriter, r *http.Request) {
	iri := s.baseURL + "/orderedcollection/" + mux.Vars(r)["id"]
	telemetry.Request(r, "POST collection %s", iri)

	coll, err := s.colls.Get(iri)
	if err != nil {
		writeError(w, err)
		return
	}

	switch coll.Name {
	case "outbox":
		s.postOutbox(w, r, coll.OwnerIRI)
	case "inbox":
		s.postInbox(w, r, coll.OwnerIRI)
	default:
		writeError(w, errkind.New(errkind.BadRequest, "collection does not accept POST: "+coll.Name))
	}
}

func (s *Server) postOutbox(w http.ResponseWriter, r *http.Request, owner string) {
	viewer, err := s.resolveViewer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authz.AllowWriteOutbox(owner, viewer); err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, "reading request body", err))
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, errkind.New(errkind.BadRequest, "malformed JSON body"))
		return
	}

	stored, err := s.engine.Dispatch(owner, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity.ContentType, withContext(stored))
}

func (s *Server) postInbox(w http.ResponseWriter, r *http.Request, owner string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, "reading request body", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	sender, err := s.sig.Verify(ctx, r, body, httpsig.FetchKey(http.DefaultClient))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.authz.AllowInboxDelivery(owner, sender); err != nil {
		writeError(w, err)
		return
	}

	act, err := activity.FromJSON(body)
	if err != nil {
		writeError(w, errkind.New(errkind.BadRequest, "malformed JSON body"))
		return
	}
	act.SetActor(sender)

	if err := s.engine.Deliver(owner, act); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resolveViewer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errkind.New(errkind.Unauthorized, "malformed Authorization header")
	}
	return s.accounts.AuthByToken(token)
}

func writeActivityObject(w http.ResponseWriter, obj activity.Object) {
	writeJSON(w, http.StatusOK, activity.ContentType, withContext(obj))
}

func withContext(obj activity.Object) activity.Object {
	c := obj.Clone()
	if _, ok := c["@context"]; !ok {
		c["@context"] = activity.Context
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		telemetry.Error(err, "encoding JSON response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	telemetry.Trace("request error: %v", err)
	http.Error(w, err.Error(), errkind.HTTPStatus(kind))
}
