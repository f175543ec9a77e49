package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/motionhost/internal/job"
)

const sectionJob = "job"

// JobState is what survives a restart of the job engine.
type JobState struct {
	LastFile     job.LastFile `json:"last_file"`
	LastRunID    string       `json:"last_run_id,omitempty"`
	LastPosition int64        `json:"last_position"`
}

var _ job.Recorder = (*Store)(nil)

// Job returns the persisted job state.
func (s *Store) Job(ctx context.Context) (JobState, error) {
	raw, err := s.Get(ctx, sectionJob)
	if err != nil {
		return JobState{}, err
	}
	var js JobState
	if err := json.Unmarshal(raw, &js); err != nil {
		return JobState{}, fmt.Errorf("decode job state: %w", err)
	}
	return js, nil
}

// RecordRun stores the outcome of finished runs. Runs still in progress
// leave the state untouched.
func (s *Store) RecordRun(ctx context.Context, run job.Run) error {
	if run.FinishedAt == nil {
		return nil
	}
	b, err := json.Marshal(JobState{
		LastFile: job.LastFile{
			Name:      run.File,
			Aborted:   run.Outcome == job.OutcomeAborted,
			Cancelled: run.Outcome == job.OutcomeCancelled,
			Simulated: run.Simulated,
		},
		LastRunID:    run.ID,
		LastPosition: run.Position,
	})
	if err != nil {
		return fmt.Errorf("encode job state: %w", err)
	}
	_, err = s.ShallowMerge(ctx, sectionJob, b)
	return err
}
