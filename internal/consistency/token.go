package consistency

import (
	"sort"
	"time"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// TokenVersion is the current token format.
const TokenVersion = 1

// isoLayout has fixed width so timestamps compare lexicographically.
const isoLayout = "2006-01-02T15:04:05.000Z"

// Coordinate names a stream revision a reader wants to observe.
type Coordinate struct {
	DocumentID string `json:"documentId"`
	Scope      string `json:"scope"`
	Branch     string `json:"branch"`
	Revision   int    `json:"revision"`
}

// Stream returns the stream of the coordinate.
func (c Coordinate) Stream() model.StreamKey {
	return model.NewStreamKey(c.DocumentID, c.Scope, c.Branch)
}

// Token marks a point in write history. Tokens are values; Merge returns a
// new token.
type Token struct {
	Version         int          `json:"version"`
	CreatedAtUtcIso string       `json:"createdAtUtcIso"`
	Coordinates     []Coordinate `json:"coordinates"`
}

// NewToken builds a token from coords. Coordinates for the same stream are
// collapsed to the highest revision and sorted by stream.
func NewToken(now time.Time, coords ...Coordinate) Token {
	return Token{
		Version:         TokenVersion,
		CreatedAtUtcIso: now.UTC().Format(isoLayout),
		Coordinates:     normalize(coords),
	}
}

// TokenFromOperations builds a token covering ops. The revision of a
// stream is the index of its last operation plus one.
func TokenFromOperations(now time.Time, ops []model.OperationWithContext) Token {
	coords := make([]Coordinate, 0, len(ops))
	for _, op := range ops {
		coords = append(coords, Coordinate{
			DocumentID: op.Context.DocumentID,
			Scope:      op.Context.Scope,
			Branch:     op.Context.Branch,
			Revision:   op.Operation.Index + 1,
		})
	}
	return NewToken(now, coords...)
}

// IsEmpty reports whether the token names no coordinate.
func (t Token) IsEmpty() bool {
	return len(t.Coordinates) == 0
}

// Merge returns the coordinate-wise maximum of t and others. The result
// never names a lower revision than any input for the same stream.
func (t Token) Merge(others ...Token) Token {
	all := append([]Coordinate(nil), t.Coordinates...)
	latest := t.CreatedAtUtcIso
	for _, o := range others {
		all = append(all, o.Coordinates...)
		if o.CreatedAtUtcIso > latest {
			latest = o.CreatedAtUtcIso
		}
	}
	return Token{
		Version:         TokenVersion,
		CreatedAtUtcIso: latest,
		Coordinates:     normalize(all),
	}
}

// Revision returns the revision the token names for stream, or 0.
func (t Token) Revision(stream model.StreamKey) int {
	for _, c := range t.Coordinates {
		if c.Stream() == stream {
			return c.Revision
		}
	}
	return 0
}

func normalize(coords []Coordinate) []Coordinate {
	byStream := make(map[model.StreamKey]int, len(coords))
	for _, c := range coords {
		key := c.Stream()
		if rev, ok := byStream[key]; !ok || c.Revision > rev {
			byStream[key] = c.Revision
		}
	}
	out := make([]Coordinate, 0, len(byStream))
	for key, rev := range byStream {
		out = append(out, Coordinate{
			DocumentID: key.DocumentID,
			Scope:      key.Scope,
			Branch:     key.Branch,
			Revision:   rev,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Stream().String() < out[j].Stream().String()
	})
	return out
}
