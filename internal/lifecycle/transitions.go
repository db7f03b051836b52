package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"cronbot/internal/jobs"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ActorKind says who is acting. Only ActorUser may move a job into active.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
	ActorJob    ActorKind = "job"
)

func (k ActorKind) Valid() bool {
	switch k {
	case ActorUser, ActorAgent, ActorSystem, ActorJob:
		return true
	}
	return false
}

type Actor struct {
	Kind ActorKind
	ID   string
}

func User(id string) Actor  { return Actor{Kind: ActorUser, ID: id} }
func Agent(id string) Actor { return Actor{Kind: ActorAgent, ID: id} }

// System is the actor for automatic transitions (quarantine, bootstrap).
func System() Actor { return Actor{Kind: ActorSystem, ID: "system"} }

func (a Actor) String() string { return string(a.Kind) + ":" + a.ID }

var transitions = map[jobs.Status][]jobs.Status{
	jobs.StatusPending:  {jobs.StatusApproved, jobs.StatusActive, jobs.StatusRejected, jobs.StatusRetired},
	jobs.StatusApproved: {jobs.StatusActive, jobs.StatusRejected, jobs.StatusRetired},
	jobs.StatusActive:   {jobs.StatusBroken, jobs.StatusRetired, jobs.StatusPending},
	jobs.StatusBroken:   {jobs.StatusPending, jobs.StatusRetired},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to jobs.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(j *jobs.Job, to ...jobs.Status) error {
	from := j.Status
	for _, s := range to {
		if !CanTransition(from, s) {
			return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrInvalidTransition, j.ID, from, s)
		}
		from = s
	}
	return nil
}

// Transition is published on the bus for every status change.
type Transition struct {
	JobID  string      `json:"job_id"`
	From   jobs.Status `json:"from"`
	To     jobs.Status `json:"to"`
	Action string      `json:"action"`
	Actor  string      `json:"actor"`
	At     time.Time   `json:"at"`
}
