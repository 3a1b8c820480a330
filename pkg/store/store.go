package store

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	FileName = "store.json"
	Version  = 1
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"

	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
)

var (
	ErrContactNotFound   = errors.New("contact not found")
	ErrContactIDRequired = errors.New("contact id required")
	ErrInvalidStatus     = errors.New("invalid contact status")
	ErrInvalidLocation   = errors.New("invalid location")
)

type Contact struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Created       int64  `json:"created"`
	Name          string `json:"name"`
	Direction     string `json:"direction"`
	Token         string `json:"token"`
	ShareLocation bool   `json:"shareLocation"`
}

type Relationship struct {
	ID            string `json:"id"`
	ContactID     string `json:"contactId"`
	Created       int64  `json:"created"`
	Token         string `json:"token"`
	PeerPublicKey string `json:"peerPublicKey"`
	Key           string `json:"key"`
}

type Location struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	UpdatedAt int64   `json:"updatedAt"`
}

// ContactSummary is a contact together with its last known location.
type ContactSummary struct {
	Contact
	Location *Location `json:"location"`
}

type data struct {
	Version       int                     `json:"version"`
	Contacts      map[string]Contact      `json:"contacts"`
	Relationships map[string]Relationship `json:"relationships"`
	Locations     map[string]Location     `json:"locations"`
}

type StoreConfig struct {
	Clock clock.Clock
}

func (cfg *StoreConfig) Apply(opts ...StoreOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type StoreOption func(cfg *StoreConfig) error

func WithClock(c clock.Clock) StoreOption {
	return func(cfg *StoreConfig) error {
		cfg.Clock = c
		return nil
	}
}

// Store persists contacts, relationships and locations as a single JSON
// document. Every operation reads the document and writes it back.
type Store struct {
	fs    afero.Fs
	dir   string
	path  string
	clock clock.Clock
	mu    sync.Mutex
}

func New(fs afero.Fs, dir string, opts ...StoreOption) (*Store, error) {
	cfg := StoreConfig{
		Clock: clock.New(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Store{
		fs:    fs,
		dir:   dir,
		path:  filepath.Join(dir, FileName),
		clock: cfg.Clock,
	}, nil
}

func (s *Store) CreateContact(contact Contact) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return Contact{}, err
	}
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	if contact.Created == 0 {
		contact.Created = s.clock.Now().UnixMilli()
	}
	if contact.Status == "" {
		contact.Status = StatusPending
	}
	if !validStatus(contact.Status) {
		return Contact{}, fmt.Errorf("%w: %q", ErrInvalidStatus, contact.Status)
	}
	d.Contacts[contact.ID] = contact
	err = s.save(d)
	if err != nil {
		return Contact{}, err
	}
	return contact, nil
}

func (s *Store) SetContactStatus(id, status string) (Contact, error) {
	if !validStatus(status) {
		return Contact{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.updateContact(id, func(c *Contact) {
		c.Status = status
	})
}

func (s *Store) SetShareLocation(id string, enabled bool) (Contact, error) {
	return s.updateContact(id, func(c *Contact) {
		c.ShareLocation = enabled
	})
}

func (s *Store) GetContact(id string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return Contact{}, err
	}
	contact, ok := d.Contacts[id]
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	return contact, nil
}

// FindContactByToken returns the contact created for token. Surrounding
// whitespace is ignored.
func (s *Store) FindContactByToken(token string) (Contact, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Contact{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return Contact{}, false, err
	}
	for _, contact := range sortedContacts(d) {
		if contact.Token == token {
			return contact, true, nil
		}
	}
	return Contact{}, false, nil
}

// UpsertRelationship stores rel as the relationship of its contact. Fields
// left empty keep their stored value.
func (s *Store) UpsertRelationship(rel Relationship) (Relationship, error) {
	if rel.ContactID == "" {
		return Relationship{}, ErrContactIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return Relationship{}, err
	}
	if _, ok := d.Contacts[rel.ContactID]; !ok {
		return Relationship{}, ErrContactNotFound
	}
	existing, found := findRelationship(d, func(r Relationship) bool {
		return r.ContactID == rel.ContactID
	})
	next := Relationship{
		ID:            cmp.Or(rel.ID, existing.ID, uuid.NewString()),
		ContactID:     rel.ContactID,
		Created:       cmp.Or(existing.Created, rel.Created, s.clock.Now().UnixMilli()),
		Token:         cmp.Or(rel.Token, existing.Token),
		PeerPublicKey: cmp.Or(rel.PeerPublicKey, existing.PeerPublicKey),
		Key:           cmp.Or(rel.Key, existing.Key),
	}
	if found && existing.ID != next.ID {
		delete(d.Relationships, existing.ID)
	}
	d.Relationships[next.ID] = next
	err = s.save(d)
	if err != nil {
		return Relationship{}, err
	}
	return next, nil
}

func (s *Store) FindRelationshipByContactID(contactID string) (Relationship, bool, error) {
	return s.findRelationship(func(r Relationship) bool {
		return r.ContactID == contactID
	})
}

func (s *Store) FindRelationshipByPeerKey(peerPublicKey string) (Relationship, bool, error) {
	peerPublicKey = strings.TrimSpace(peerPublicKey)
	if peerPublicKey == "" {
		return Relationship{}, false, nil
	}
	return s.findRelationship(func(r Relationship) bool {
		return r.PeerPublicKey == peerPublicKey
	})
}

// ListContacts returns every contact with its last known location, oldest
// first.
func (s *Store) ListContacts() ([]ContactSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return nil, err
	}
	summaries := []ContactSummary{}
	for _, contact := range sortedContacts(d) {
		summary := ContactSummary{Contact: contact}
		if loc, ok := d.Locations[contact.ID]; ok {
			summary.Location = &loc
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Store) SetLastKnownLocation(contactID string, lat, lon float64) (Location, error) {
	err := ValidateLatLon(lat, lon)
	if err != nil {
		return Location{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return Location{}, err
	}
	if _, ok := d.Contacts[contactID]; !ok {
		return Location{}, ErrContactNotFound
	}
	loc := Location{
		Lat:       lat,
		Lon:       lon,
		UpdatedAt: s.clock.Now().UnixMilli(),
	}
	d.Locations[contactID] = loc
	err = s.save(d)
	if err != nil {
		return Location{}, err
	}
	return loc, nil
}

func (s *Store) GetLastKnownLocation(contactID string) (Location, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return Location{}, false, err
	}
	loc, ok := d.Locations[contactID]
	return loc, ok, nil
}

// ValidateLatLon checks that lat and lon are finite coordinates in range.
func ValidateLatLon(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return fmt.Errorf("%w: latitude and longitude must be finite", ErrInvalidLocation)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidLocation, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidLocation, lon)
	}
	return nil
}

func (s *Store) updateContact(id string, fn func(c *Contact)) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return Contact{}, err
	}
	contact, ok := d.Contacts[id]
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	fn(&contact)
	d.Contacts[id] = contact
	err = s.save(d)
	if err != nil {
		return Contact{}, err
	}
	return contact, nil
}

func (s *Store) findRelationship(match func(Relationship) bool) (Relationship, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return Relationship{}, false, err
	}
	rel, ok := findRelationship(d, match)
	return rel, ok, nil
}

// load reads the document, filling in whatever is missing. A missing file is
// an empty store.
func (s *Store) load() (data, error) {
	d := data{}
	b, err := afero.ReadFile(s.fs, s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return data{}, err
	}
	if err == nil {
		err = json.Unmarshal(b, &d)
		if err != nil {
			return data{}, fmt.Errorf("could not parse store %s: %w", s.path, err)
		}
	}
	if d.Version == 0 {
		d.Version = Version
	}
	if d.Contacts == nil {
		d.Contacts = map[string]Contact{}
	}
	if d.Relationships == nil {
		d.Relationships = map[string]Relationship{}
	}
	if d.Locations == nil {
		d.Locations = map[string]Location{}
	}
	return d, nil
}

func (s *Store) save(d data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	err = s.fs.MkdirAll(s.dir, 0o755)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, s.path, b, 0o600)
}

func validStatus(status string) bool {
	switch status {
	case StatusPending, StatusApproved, StatusDenied:
		return true
	default:
		return false
	}
}

func sortedContacts(d data) []Contact {
	contacts := []Contact{}
	for _, contact := range d.Contacts {
		contacts = append(contacts, contact)
	}
	slices.SortFunc(contacts, func(a, b Contact) int {
		return cmp.Or(cmp.Compare(a.Created, b.Created), strings.Compare(a.ID, b.ID))
	})
	return contacts
}

func findRelationship(d data, match func(Relationship) bool) (Relationship, bool) {
	ids := []string{}
	for id := range d.Relationships {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if rel := d.Relationships[id]; match(rel) {
			return rel, true
		}
	}
	return Relationship{}, false
}
