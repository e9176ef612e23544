// Package lifecycle is the single authority over version status. Call sites
// never compare status strings themselves; they ask this package.
package lifecycle

import (
	"fmt"

	apiError "esign-workflow/internal/errors"
)

type Status string

const (
	Draft           Status = "draft"
	Locked          Status = "locked"
	PartiallySigned Status = "partially_signed"
	Completed       Status = "completed"
)

var rank = map[Status]int{
	Draft:           0,
	Locked:          1,
	PartiallySigned: 2,
	Completed:       3,
}

// Parse validates a raw status string.
func Parse(s string) (Status, error) {
	st := Status(s)
	if _, ok := rank[st]; !ok {
		return "", apiError.Validation(fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Structural reports whether fields may still be added, moved or deleted.
func (s Status) Structural() bool {
	return s == Draft
}

// Signable reports whether recipients may submit values.
func (s Status) Signable() bool {
	return s == Locked || s == PartiallySigned
}

func (s Status) Terminal() bool {
	return s == Completed
}

// allowed lists every legal edge. Self-transitions are handled separately.
var allowed = map[Status][]Status{
	Draft:           {Locked},
	Locked:          {PartiallySigned, Completed},
	PartiallySigned: {Completed},
}

// Transition validates from -> to. A self-transition is a no-op and returns
// changed=false.
func Transition(from, to Status) (changed bool, err error) {
	if !from.Valid() || !to.Valid() {
		return false, apiError.Validation(fmt.Sprintf("invalid transition %q -> %q", from, to))
	}
	if from == to {
		return false, nil
	}
	for _, next := range allowed[from] {
		if next == to {
			return true, nil
		}
	}
	if rank[to] < rank[from] {
		return false, apiError.Precondition(fmt.Sprintf("status cannot regress from %s to %s", from, to))
	}
	return false, apiError.Precondition(fmt.Sprintf("status cannot move from %s to %s", from, to))
}

// Tally summarizes the required fields of a version.
type Tally struct {
	Required       int
	RequiredLocked int
}

func (t Tally) Outstanding() int {
	return t.Required - t.RequiredLocked
}

// Evaluate returns the status a signable version should hold after an
// accepted submission. Draft and completed versions are returned unchanged.
func Evaluate(current Status, t Tally) Status {
	if !current.Signable() {
		return current
	}
	if t.Outstanding() <= 0 {
		return Completed
	}
	return PartiallySigned
}

// CheckLock validates the draft -> locked preconditions. missing is the list
// of field ids without a recipient.
func CheckLock(current Status, missing []string, t Tally) error {
	if current != Draft {
		return apiError.Precondition(fmt.Sprintf("only a draft can be locked, version is %s", current))
	}
	if len(missing) > 0 {
		return apiError.Validation(
			fmt.Sprintf("%d field(s) have no recipient", len(missing)),
			missing...,
		)
	}
	if t.Required == 0 {
		return apiError.Validation("version has no required field to sign")
	}
	return nil
}
