// Package reconcile merges concurrently produced operation histories for a
// single stream.
//
// AttachBranch is pure: it performs no I/O and never mutates its inputs.
// The result is a new trunk that every peer applying the same inputs
// computes identically, plus the trunk entries that were displaced by the
// branch. Callers re-index the displaced tail after the new trunk and
// replay it; the tail is never silently dropped.
package reconcile

import (
	"fmt"
	"slices"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Sort returns a copy ordered by index, then skip.
func Sort(ops []model.Operation) []model.Operation {
	out := slices.Clone(ops)
	slices.SortStableFunc(out, func(a, b model.Operation) int {
		if a.Index != b.Index {
			return a.Index - b.Index
		}
		return a.Skip - b.Skip
	})
	return out
}

// GarbageCollect removes entries superseded by a later skip. The input must
// be sorted. Walking backwards, each kept entry erases every earlier entry
// whose index is at or after its anchor.
func GarbageCollect(sorted []model.Operation) []model.Operation {
	kept := make([]model.Operation, 0, len(sorted))
	i := len(sorted) - 1
	for i >= 0 {
		kept = append(kept, sorted[i])
		skipUntil := sorted[i].Index - sorted[i].Skip - 1

		j := i - 1
		for j >= 0 && sorted[j].Index > skipUntil {
			j--
		}
		i = j
	}
	slices.Reverse(kept)
	return kept
}

// IssueKind categorizes an integrity issue.
type IssueKind string

const (
	IssueMissingIndex    IssueKind = "MISSING_INDEX"
	IssueDuplicatedIndex IssueKind = "DUPLICATED_INDEX"
)

// Issue describes one position where a cleaned history is not contiguous.
type Issue struct {
	Index   int
	Skip    int
	Kind    IssueKind
	Message string
}

// CheckIntegrity verifies that each entry's anchor immediately follows the
// previous entry's index, starting from index 0.
func CheckIntegrity(sorted []model.Operation) []Issue {
	return checkFrom(sorted, 0)
}

// checkFrom is CheckIntegrity for a history whose first anchor is start.
func checkFrom(sorted []model.Operation, start int) []Issue {
	var issues []Issue
	current := start - 1
	for _, op := range sorted {
		next := op.Anchor()
		if next != current+1 {
			kind := IssueDuplicatedIndex
			if next > current+1 {
				kind = IssueMissingIndex
			}
			issues = append(issues, Issue{
				Index: op.Index,
				Skip:  op.Skip,
				Kind:  kind,
				Message: fmt.Sprintf("expected index %d with skip 0 or equivalent, got index %d with skip %d",
					current+1, op.Index, op.Skip),
			})
		}
		current = op.Index
	}
	return issues
}

// precedes orders trunk entries that must be kept ahead of a branch entry.
func precedes(a, b model.Operation) bool {
	return a.Index < b.Index || (a.Index == b.Index && a.Skip < b.Skip)
}

// sameEntry reports whether a branch entry re-states a trunk entry.
// Content-addressed ids are compared when both sides carry one.
func sameEntry(trunk, branch model.Operation) bool {
	if !trunk.Equivalent(branch) {
		return false
	}
	return trunk.ID == "" || branch.ID == "" || trunk.ID == branch.ID
}

// AttachBranch grafts branch onto trunk.
//
// Both inputs are sorted and garbage collected. Branch entries that repeat
// the trunk are consumed. At the first divergent branch entry the remaining
// branch is appended after every trunk entry that precedes it, and the
// result is garbage collected so skips erase the trunk entries they
// supersede. Trunk entries at or after the divergence that were not erased
// are returned as the tail.
//
// A negative anchor anywhere in the branch, or a new trunk that fails
// CheckIntegrity, is an integrity error. With an empty trunk the branch is
// returned as is and only has to be contiguous from its first anchor.
func AttachBranch(trunk, branch []model.Operation) (newTrunk, tail []model.Operation, err error) {
	for _, op := range branch {
		if op.Anchor() < 0 {
			return nil, nil, errs.Integrity("operation %d has skip %d: anchor %d is negative",
				op.Index, op.Skip, op.Anchor())
		}
	}

	cleanTrunk := GarbageCollect(Sort(trunk))
	cleanBranch := GarbageCollect(Sort(branch))

	if len(cleanBranch) == 0 {
		return cleanTrunk, []model.Operation{}, nil
	}
	if len(cleanTrunk) == 0 {
		// Nothing local to anchor to: the branch only has to be contiguous
		// from its own first anchor.
		return cleanBranch, []model.Operation{}, verifyFrom(cleanBranch, cleanBranch[0].Anchor())
	}

	result := make([]model.Operation, 0, len(cleanTrunk)+len(cleanBranch))
	ti, bi := 0, 0
	entered := false
	for bi < len(cleanBranch) {
		candidate := cleanBranch[bi]
		for ti < len(cleanTrunk) && precedes(cleanTrunk[ti], candidate) {
			result = append(result, cleanTrunk[ti])
			ti++
		}
		if ti >= len(cleanTrunk) {
			entered = true
			break
		}
		if !sameEntry(cleanTrunk[ti], candidate) {
			entered = true
			break
		}
		result = append(result, cleanTrunk[ti])
		ti++
		bi++
	}

	if entered {
		result = append(result, cleanBranch[bi:]...)
	} else {
		result = append(result, cleanTrunk[ti:]...)
		ti = len(cleanTrunk)
	}

	newTrunk = GarbageCollect(result)
	tail = slices.Clone(cleanTrunk[ti:])
	if tail == nil {
		tail = []model.Operation{}
	}
	return newTrunk, tail, verify(newTrunk)
}

func verify(ops []model.Operation) error {
	return verifyFrom(ops, 0)
}

func verifyFrom(ops []model.Operation, start int) error {
	issues := checkFrom(ops, start)
	if len(issues) == 0 {
		return nil
	}
	err := errs.Integrity("reconciled history is not contiguous: %s", issues[0].Message)
	err.Details = map[string]string{"issues": fmt.Sprintf("%d", len(issues))}
	return err
}

// Reshuffle re-indexes displaced operations so they follow start, in order,
// with skip 0. Ids and hashes are cleared because a moved operation is a
// new operation; the caller recomputes both while replaying.
func Reshuffle(start int, ops []model.Operation) []model.Operation {
	out := model.CloneOperations(ops)
	for i := range out {
		out[i].Index = start + i
		out[i].Skip = 0
		out[i].ID = ""
		out[i].Hash = ""
	}
	return out
}

// NextIndex returns the index following the last entry, or 0.
func NextIndex(sorted []model.Operation) int {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)-1].Index + 1
}
