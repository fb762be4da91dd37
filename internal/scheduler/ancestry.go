package scheduler

import (
	"context"
	"errors"
	"sort"

	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/reports"
)

// taskDepth counts how many task records sit on the chain from id upward,
// including id itself. Root minions contribute depth 0. Persisted ancestry is
// authoritative; in-memory state is never consulted.
func taskDepth(recs map[string]*minion.Record, id string) int {
	depth := 0
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; {
		seen[cur] = true
		rec, ok := recs[cur]
		if !ok {
			break
		}
		if rec.IsTask() {
			depth++
		}
		cur = rec.ParentMinionID
	}
	return depth
}

// ancestorChain returns the parent ids from nearest to root.
func ancestorChain(recs map[string]*minion.Record, id string) []string {
	var chain []string
	seen := map[string]bool{id: true}
	cur := id
	for {
		rec, ok := recs[cur]
		if !ok || rec.ParentMinionID == "" || seen[rec.ParentMinionID] {
			return chain
		}
		cur = rec.ParentMinionID
		seen[cur] = true
		chain = append(chain, cur)
	}
}

func rootOf(recs map[string]*minion.Record, id string) string {
	chain := ancestorChain(recs, id)
	if len(chain) == 0 {
		return id
	}
	return chain[len(chain)-1]
}

func isAncestor(recs map[string]*minion.Record, ancestorID, id string) bool {
	for _, a := range ancestorChain(recs, id) {
		if a == ancestorID {
			return true
		}
	}
	return false
}

// hasActiveDescendants reports whether any non-reported task lives below id.
func hasActiveDescendants(recs map[string]*minion.Record, id string) bool {
	for _, rec := range recs {
		if rec.ID == id || !rec.Active() {
			continue
		}
		if isAncestor(recs, id, rec.ID) {
			return true
		}
	}
	return false
}

func childrenOf(recs map[string]*minion.Record, id string) []string {
	var out []string
	for _, rec := range recs {
		if rec.ParentMinionID == id {
			out = append(out, rec.ID)
		}
	}
	sort.Strings(out)
	return out
}

// descendantTasksPostOrder lists the agent tasks below rootID with children
// strictly before their parents, so subtree interrupt/terminate never touches
// a parent while a child still executes.
func descendantTasksPostOrder(recs map[string]*minion.Record, rootID string) []string {
	var out []string
	var walk func(id string)
	walk = func(id string) {
		for _, child := range childrenOf(recs, id) {
			walk(child)
			if rec := recs[child]; rec != nil && rec.IsTask() {
				out = append(out, child)
			}
		}
	}
	walk(rootID)
	return out
}

func (s *Scheduler) snapshot(ctx context.Context) (map[string]*minion.Record, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	recs := make(map[string]*minion.Record, len(list))
	for i := range list {
		rec := list[i]
		recs[rec.ID] = &rec
	}
	return recs, nil
}

// IsDescendantAgentTask reports whether taskID is (or was) an agent task below
// ancestorID. When the live record is already gone, the durable report's
// ancestor chain answers instead.
func (s *Scheduler) IsDescendantAgentTask(ctx context.Context, ancestorID, taskID string) (bool, error) {
	recs, err := s.snapshot(ctx)
	if err != nil {
		return false, err
	}
	if rec, ok := recs[taskID]; ok {
		return rec.IsTask() && isAncestor(recs, ancestorID, taskID), nil
	}

	rep, err := s.reports.Read(taskID)
	if err != nil {
		if errors.Is(err, reports.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, a := range rep.AncestorMinionIDs {
		if a == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

// FilterDescendantAgentTaskIDs keeps the ids that are (or were) agent tasks
// below ancestorID, preserving order.
func (s *Scheduler) FilterDescendantAgentTaskIDs(ctx context.Context, ancestorID string, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := s.IsDescendantAgentTask(ctx, ancestorID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}
