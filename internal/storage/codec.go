package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cronbot/internal/jobs"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// tolerate RFC3339 written by hand or older tooling
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// checkJob rejects records that cannot be scheduled or displayed sensibly.
func checkJob(j jobs.Job) error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("missing id")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", j.Kind)
	}
	return nil
}

func checkRecord(r jobs.ExecutionRecord) error {
	if strings.TrimSpace(r.ExecutionID) == "" || strings.TrimSpace(r.JobID) == "" {
		return errors.New("execution record requires execution_id and job_id")
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	return nil
}

func sortJobs(list []jobs.Job) {
	sort.SliceStable(list, func(i, k int) bool {
		if !list[i].CreatedAt.Equal(list[k].CreatedAt) {
			return list[i].CreatedAt.Before(list[k].CreatedAt)
		}
		return list[i].ID < list[k].ID
	})
}

func applyMarkRun(j *jobs.Job, at time.Time) bool {
	at = at.UTC()
	if j.LastRun != nil && !at.After(*j.LastRun) {
		return false
	}
	j.LastRun = &at
	return true
}

func applyStatus(j *jobs.Job, status jobs.Status, errMsg string, now time.Time) {
	j.Status = status
	j.ErrorMessage = errMsg
	j.UpdatedAt = now.UTC()
}
