package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/vipul43/ledgersync/internal/models"
)

const bucketName = "backfill_jobs"

// BoltStore keeps jobs in an embedded BoltDB file so job status survives a
// restart. Values are the JSON form of models.BackfillJob keyed by job id.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path and ensures the
// bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create job bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Create(ctx context.Context, job *models.BackfillJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b.Get([]byte(job.ID)) != nil {
			return ErrJobExists
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) Update(ctx context.Context, job *models.BackfillJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b.Get([]byte(job.ID)) == nil {
			return ErrJobNotFound
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) Get(ctx context.Context, jobID string) (*models.BackfillJob, error) {
	var job models.BackfillJob
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(jobID))
		if v == nil {
			return ErrJobNotFound
		}
		return json.Unmarshal(v, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) List(ctx context.Context, tenantID string) ([]models.BackfillJob, error) {
	jobs := make([]models.BackfillJob, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			var job models.BackfillJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.TenantID == tenantID {
				jobs = append(jobs, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

// MarkInterrupted fails every job that was still starting or running when
// the previous process stopped. It returns the number of jobs changed.
func (s *BoltStore) MarkInterrupted(now time.Time) (int, error) {
	changed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		updates := make(map[string][]byte)
		err := b.ForEach(func(k, v []byte) error {
			var job models.BackfillJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status.Terminal() {
				return nil
			}
			msg := "process restarted before the job finished"
			job.Status = models.BackfillFailed
			job.Error = &msg
			job.CompletedAt = &now
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}
		for k, v := range updates {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		changed = len(updates)
		return nil
	})
	return changed, err
}
