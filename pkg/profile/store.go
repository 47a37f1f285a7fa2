package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlasfall/breakwater/pkg/database"
)

// SQLStore persists profile documents as JSON blobs in SQLite, with the
// revision mirrored into its own column for compare-and-swap writes.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore wraps a database handle as a profile Store.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Load(accountID string, t Type) (*Profile, error) {
	row, err := s.db.GetProfile(accountID, string(t))
	if err != nil {
		if errors.Is(err, database.ErrProfileNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(row.Document, &p); err != nil {
		return nil, fmt.Errorf("profile %s/%s: corrupt document: %w", accountID, t, err)
	}
	return &p, nil
}

func (s *SQLStore) Save(p *Profile, baseRevision int64) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile %s/%s: marshal: %w", p.AccountID, p.ProfileID, err)
	}
	row := &database.ProfileRow{
		AccountID:       p.AccountID,
		ProfileType:     string(p.ProfileID),
		Revision:        p.Rvn,
		CommandRevision: p.CommandRevision,
		Document:        doc,
		UpdatedAt:       time.Now().UnixMilli(),
	}
	return s.db.SaveProfile(row, baseRevision)
}

// MemoryStore is a map-backed Store for tests.
type MemoryStore struct {
	profiles map[string]*Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func memKey(accountID string, t Type) string {
	return accountID + "/" + string(t)
}

func (s *MemoryStore) Load(accountID string, t Type) (*Profile, error) {
	p, ok := s.profiles[memKey(accountID, t)]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Save(p *Profile, baseRevision int64) error {
	key := memKey(p.AccountID, p.ProfileID)
	if existing, ok := s.profiles[key]; ok && baseRevision >= 0 && existing.Rvn != baseRevision {
		return fmt.Errorf("revision conflict on %s: have %d, base %d", key, existing.Rvn, baseRevision)
	}
	s.profiles[key] = p.Clone()
	return nil
}
