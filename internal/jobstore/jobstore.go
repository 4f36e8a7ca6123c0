// Package jobstore keeps BackfillJob records. The memory store lives as long
// as the process; the bolt store survives restarts.
package jobstore

import (
	"errors"
	"sort"

	"github.com/vipul43/ledgersync/internal/models"
)

var (
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("backfill job not found")
	// ErrJobExists is returned by Create for a duplicate job id.
	ErrJobExists = errors.New("backfill job already exists")
)

// clone returns a copy that shares no mutable state with job.
func clone(job *models.BackfillJob) *models.BackfillJob {
	out := *job
	out.Failures = append([]models.BackfillFailure(nil), job.Failures...)
	if out.Failures == nil {
		out.Failures = []models.BackfillFailure{}
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	if job.Error != nil {
		e := *job.Error
		out.Error = &e
	}
	if job.Options.ModifiedSince != nil {
		t := *job.Options.ModifiedSince
		out.Options.ModifiedSince = &t
	}
	return &out
}

// sortNewestFirst orders jobs by start time, newest first, then by id.
func sortNewestFirst(jobs []models.BackfillJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].StartedAt.After(jobs[j].StartedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
