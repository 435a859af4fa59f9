// Package scope maps a natural-language task description to the minimal
// resource/access list the task needs. It is consumed by delegation
// creation only; the check path never calls it.
package scope

import (
	"context"
	"errors"
	"strings"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
)

// ErrScopeInference is returned when inference fails. Task creation aborts:
// no task and no tuples are created.
var ErrScopeInference = errors.New("scope: inference failed")

// Inferrer derives a candidate grant list from a description. The result is
// a pure function of the description and the user's available resources.
type Inferrer interface {
	Infer(ctx context.Context, userID, description string) ([]delegation.Resource, error)
}

// Static is a fixed catalog inferrer for tests and deployments without an
// LLM: every available resource whose id appears verbatim in the
// description is granted at its cataloged access level.
type Static struct {
	Catalog map[string][]delegation.Resource // userID -> available resources
}

var _ Inferrer = (*Static)(nil)

func (s *Static) Infer(_ context.Context, userID, description string) ([]delegation.Resource, error) {
	available, ok := s.Catalog[userID]
	if !ok {
		return nil, ErrScopeInference
	}
	var out []delegation.Resource
	for _, r := range available {
		if r.ID != "" && strings.Contains(description, r.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}
