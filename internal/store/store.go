// Package store persists instance records and serializes every write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no record exists for an instance ID.
var ErrNotFound = errors.New("store: instance not found")

// BackupVersion is the format version written by Export.
const BackupVersion = 1

// Backup is the document produced by Export and consumed by Import.
type Backup struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exportedAt"`
	Instances  []models.Instance `json:"instances"`
}

// Store reads and writes models.Instance rows. Writes go through one mutex
// so concurrent engine events cannot interleave a read-modify-write.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// New wraps a migrated database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save inserts or fully replaces the record for inst.ID.
func (s *Store) Save(inst *models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(inst)
}

func (s *Store) save(inst *models.Instance) error {
	result := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(inst)
	if result.Error != nil {
		return fmt.Errorf("store: save %q: %w", inst.ID, result.Error)
	}
	return nil
}

// Update loads the record for id, applies fn and saves it, all under the
// write lock.
func (s *Store) Update(id string, fn func(*models.Instance)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.get(id)
	if err != nil {
		return err
	}
	fn(inst)
	return s.save(inst)
}

// Get returns the record for id.
func (s *Store) Get(id string) (*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id string) (*models.Instance, error) {
	var inst models.Instance
	result := s.db.Where("id = ?", id).First(&inst)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get %q: %w", id, result.Error)
	}
	return &inst, nil
}

// List returns all records ordered by ID.
func (s *Store) List() ([]models.Instance, error) {
	var out []models.Instance
	if err := s.db.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Delete removes the record for id. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Where("id = ?", id).Delete(&models.Instance{}).Error; err != nil {
		return fmt.Errorf("store: delete %q: %w", id, err)
	}
	return nil
}

// Export writes every record as an indented JSON Backup. Credentials stay
// encrypted, so restoring requires the same vault key.
func (s *Store) Export(w io.Writer) error {
	list, err := s.List()
	if err != nil {
		return err
	}
	if list == nil {
		list = []models.Instance{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Backup{Version: BackupVersion, ExportedAt: time.Now().UTC(), Instances: list}); err != nil {
		return fmt.Errorf("store: export: %w", err)
	}
	return nil
}

// DecodeBackup reads a Backup and validates every record without writing
// anything.
func DecodeBackup(r io.Reader) (*Backup, error) {
	var b Backup
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("store: import: decode: %w", err)
	}
	if b.Version != BackupVersion {
		return nil, fmt.Errorf("store: import: unsupported backup version %d", b.Version)
	}
	seen := make(map[string]bool, len(b.Instances))
	for i, inst := range b.Instances {
		if inst.ID == "" || inst.Token == "" || inst.ChannelID == "" {
			return nil, fmt.Errorf("store: import: record %d is missing id, token or channel", i)
		}
		if seen[inst.ID] {
			return nil, fmt.Errorf("store: import: duplicate record %q", inst.ID)
		}
		seen[inst.ID] = true
	}
	return &b, nil
}

// SaveAll upserts records in one transaction. Either all are written or
// none are.
func (s *Store) SaveAll(recs []models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		for i := range recs {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&recs[i]).Error; err != nil {
				return fmt.Errorf("store: import %q: %w", recs[i].ID, err)
			}
		}
		return nil
	})
}

// Import decodes and validates a Backup, then upserts all of its records
// atomically and returns them.
func (s *Store) Import(r io.Reader) ([]models.Instance, error) {
	b, err := DecodeBackup(r)
	if err != nil {
		return nil, err
	}
	if err := s.SaveAll(b.Instances); err != nil {
		return nil, err
	}
	return b.Instances, nil
}
