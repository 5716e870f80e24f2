// Package staging keeps uploaded CSV files between the HTTP upload and the
// background import that consumes them.
package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketUploads = []byte("uploads")

// Upload is one staged CSV file
type Upload struct {
	JobID     string    `json:"job_id"`
	Filename  string    `json:"filename"`
	Content   []byte    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry describes a staged upload without its content
type Entry struct {
	JobID     string
	Size      int
	CreatedAt time.Time
}

// Store is a BoltDB-backed upload store
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open staging database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUploads); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketUploads, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Put stages an upload under its job id, replacing any previous one
func (s *Store) Put(ctx context.Context, u *Upload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal upload: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).Put([]byte(u.JobID), data)
	})
}

// Get returns the upload of a job, or nil if none is staged
func (s *Store) Get(ctx context.Context, jobID string) (*Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u *Upload
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUploads).Get([]byte(jobID))
		if data == nil {
			return nil
		}
		u = &Upload{}
		return json.Unmarshal(data, u)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read upload %s: %w", jobID, err)
	}
	return u, nil
}

// Delete removes the upload of a job. Missing uploads are not an error.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).Delete([]byte(jobID))
	})
}

// List returns every staged upload without content
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).ForEach(func(k, v []byte) error {
			var u Upload
			if err := json.Unmarshal(v, &u); err != nil {
				// still listed so cleanup can remove it
				entries = append(entries, Entry{JobID: string(k)})
				return nil
			}
			entries = append(entries, Entry{JobID: string(k), Size: len(u.Content), CreatedAt: u.CreatedAt})
			return nil
		})
	})
	return entries, err
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}
