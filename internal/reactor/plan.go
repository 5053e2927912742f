package reactor

import (
	"strings"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// ExecutePlan is one job of an ExecuteBatch request. DependsOn names the
// keys of other plans in the same request.
type ExecutePlan struct {
	Key        string
	DocumentID string
	Scope      string
	Branch     string
	Actions    []model.Action
	DependsOn  []string
}

// LoadPlan is one job of a LoadBatch request.
type LoadPlan struct {
	Key        string
	DocumentID string
	Scope      string
	Branch     string
	Operations []model.Operation
	DependsOn  []string
}

// ExecuteBatchRequest groups jobs submitted together.
type ExecuteBatchRequest struct {
	Jobs []ExecutePlan
}

// LoadBatchRequest groups load jobs submitted together.
type LoadBatchRequest struct {
	Jobs []LoadPlan
}

// planNode is the part of a plan the dependency checks look at.
type planNode struct {
	key       string
	dependsOn []string
}

// sortPlans validates keys and dependencies and returns plan indexes in an
// order where every plan follows the plans it depends on. Plans without a
// mutual ordering keep request order.
func sortPlans(nodes []planNode) ([]int, error) {
	if len(nodes) == 0 {
		return nil, errs.Validation("batch has no jobs")
	}
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.key == "" {
			return nil, errs.Validation("batch job %d has no key", i)
		}
		if _, dup := index[n.key]; dup {
			return nil, errs.Validation("duplicate batch job key %q", n.key)
		}
		index[n.key] = i
	}

	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		seen := map[string]bool{}
		for _, dep := range n.dependsOn {
			if dep == n.key {
				return nil, errs.Validation("batch job %q depends on itself", n.key)
			}
			j, ok := index[dep]
			if !ok {
				return nil, errs.Validation("batch job %q depends on unknown key %q", n.key, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm, always taking the lowest ready index.
	order := make([]int, 0, len(nodes))
	done := make([]bool, len(nodes))
	for len(order) < len(nodes) {
		next := -1
		for i := range nodes {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, n := range nodes {
				if !done[i] {
					stuck = append(stuck, n.key)
				}
			}
			return nil, &errs.Error{
				Code:    errs.CodeValidation,
				Message: "batch dependencies form a cycle",
				Details: map[string]string{"keys": strings.Join(stuck, ",")},
			}
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}

// actionScope returns the scope shared by actions. Actions without a
// scope take fallback; CREATE_DOCUMENT and other document-scope actions
// may precede actions of one other scope.
func actionScope(actions []model.Action, fallback string) (string, error) {
	scope := fallback
	for i, a := range actions {
		if a.Type == "" {
			return "", errs.Validation("action %d has no type", i)
		}
		s := a.Scope
		if s == "" || s == model.ScopeDocument {
			continue
		}
		if scope != "" && scope != s {
			return "", errs.Validation("action %d has scope %q, expected %q", i, s, scope)
		}
		scope = s
	}
	if scope == "" {
		if len(actions) > 0 && actions[0].Scope == model.ScopeDocument {
			return model.ScopeDocument, nil
		}
		return model.ScopeGlobal, nil
	}
	return scope, nil
}

// operationScope returns the scope shared by ops.
func operationScope(ops []model.Operation, fallback string) (string, error) {
	if len(ops) == 0 {
		return "", errs.Validation("no operations to load")
	}
	scope := fallback
	for i, op := range ops {
		if op.Action.Type == "" {
			return "", errs.Validation("operation %d has no action type", i)
		}
		s := op.Action.Scope
		if s == "" {
			continue
		}
		if scope != "" && scope != s {
			return "", errs.Validation("operation %d has scope %q, expected %q", i, s, scope)
		}
		scope = s
	}
	if scope == "" {
		scope = model.ScopeGlobal
	}
	return scope, nil
}
