package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"go.etcd.io/bbolt"
)

const (
	fetchesBucket  = "fetches"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	// ErrRecordNotFound is returned when a record cannot be found
	ErrRecordNotFound = errors.New("record not found")
	// ErrEmptyID is returned for operations given uuid.Nil
	ErrEmptyID = errors.New("record ID cannot be empty")
)

// BboltRepository stores fetch records in a bbolt database
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository opens (creating if needed) the database at dbPath
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(fetchesBucket))
		if err != nil {
			return fmt.Errorf("failed to create fetches bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		err = meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a record, replacing any record with the same ID
func (r *BboltRepository) Save(record *Record) error {
	if record == nil {
		return errors.New("cannot save nil record")
	}
	if record.ID == uuid.Nil {
		return ErrEmptyID
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fetchesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", fetchesBucket)
		}

		if err := bucket.Put([]byte(record.ID.String()), data); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}

		return nil
	})
}

// Find retrieves a record by ID
func (r *BboltRepository) Find(id uuid.UUID) (*Record, error) {
	if id == uuid.Nil {
		return nil, ErrEmptyID
	}

	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fetchesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", fetchesBucket)
		}

		// bbolt memory is only valid inside the transaction
		v := bucket.Get([]byte(id.String()))
		if v == nil {
			return ErrRecordNotFound
		}
		data = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return record, nil
}

// FindAll retrieves all records, oldest first
func (r *BboltRepository) FindAll() ([]*Record, error) {
	var records []*Record

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fetchesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", fetchesBucket)
		}

		return bucket.ForEach(func(_, v []byte) error {
			record := &Record{}
			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}

			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})

	return records, nil
}

// Delete removes a record
func (r *BboltRepository) Delete(id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrEmptyID
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fetchesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", fetchesBucket)
		}

		if bucket.Get([]byte(id.String())) == nil {
			return ErrRecordNotFound
		}

		return bucket.Delete([]byte(id.String()))
	})
}

// Close closes the database
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
