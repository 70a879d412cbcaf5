// Package roster is the directory collaborator: it maps out-of-band handles
// to display names for UI labels. It never participates in routing.
package roster

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Contact is one directory entry. Handle is the out-of-band identifier a
// client presents when connecting.
type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

// Roster stores contacts in memory, optionally mirrored to a FileStore.
type Roster struct {
	mu       sync.RWMutex
	contacts map[string]Contact
	order    []string
	store    *FileStore
}

// New builds a roster seeded with the given contacts.
func New(seed []Contact) *Roster {
	r := &Roster{contacts: make(map[string]Contact)}
	for _, c := range seed {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		r.contacts[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r
}

// NewWithStore builds a roster from the store's contents, falling back to the
// seed on a fresh file. Later additions are persisted through the store.
func NewWithStore(store *FileStore, seed []Contact) (*Roster, error) {
	contacts, err := store.Load()
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		contacts = seed
	}
	r := New(contacts)
	r.store = store
	if err := store.Save(r.List()); err != nil {
		return nil, err
	}
	return r, nil
}

// LookupName resolves a handle to a display name.
func (r *Roster) LookupName(handle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contacts {
		if c.Handle == handle {
			return c.Name, true
		}
	}
	return "", false
}

// List returns all contacts in insertion order.
func (r *Roster) List() []Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contact, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.contacts[id])
	}
	return out
}

// Add inserts a contact, minting an id when absent.
func (r *Roster) Add(c Contact) (Contact, error) {
	if c.Name == "" {
		return Contact{}, errors.New("contact name is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contacts[c.ID]; exists {
		return Contact{}, errors.New("contact already exists")
	}
	r.contacts[c.ID] = c
	r.order = append(r.order, c.ID)

	if r.store != nil {
		out := make([]Contact, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.contacts[id])
		}
		if err := r.store.Save(out); err != nil {
			delete(r.contacts, c.ID)
			r.order = r.order[:len(r.order)-1]
			return Contact{}, err
		}
	}
	return c, nil
}

// RegisterRoutes mounts the contact API.
func (r *Roster) RegisterRoutes(mux chi.Router) {
	mux.Get("/contacts", r.handleList)
	mux.Post("/contacts", r.handleAdd)
}

func (r *Roster) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"contacts": r.List()})
}

func (r *Roster) handleAdd(w http.ResponseWriter, req *http.Request) {
	var c Contact
	if err := json.NewDecoder(req.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid contact payload"})
		return
	}
	added, err := r.Add(c)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
