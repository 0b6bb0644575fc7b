// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/stratforge/stratforge/pkg/stratforgeerr"
)

// validateDAG rejects a TodoList with duplicate ids, a dependency on an
// unknown task id, or a cycle. It uses Kahn's algorithm: if every task
// can be peeled off by repeatedly removing nodes whose dependencies are
// already peeled, the graph is acyclic.
func validateDAG(list TodoList) error {
	byID := make(map[string]TaskItem, len(list.Items))
	for _, item := range list.Items {
		if item.ID == "" {
			return stratforgeerr.New(stratforgeerr.KindInvalidInput, "task with empty id")
		}
		if _, dup := byID[item.ID]; dup {
			return stratforgeerr.New(stratforgeerr.KindInvalidInput, fmt.Sprintf("duplicate task id %q", item.ID))
		}
		byID[item.ID] = item
	}

	for _, item := range list.Items {
		for _, dep := range item.Dependencies {
			if _, ok := byID[dep]; !ok {
				return stratforgeerr.New(stratforgeerr.KindInvalidInput,
					fmt.Sprintf("task %q depends on unknown task %q", item.ID, dep))
			}
		}
	}

	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, item := range byID {
		indegree[id] = len(item.Dependencies)
		for _, dep := range item.Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(byID))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
		sort.Strings(queue)
	}

	if visited != len(byID) {
		return stratforgeerr.New(stratforgeerr.KindInvalidInput, "task dependencies form a cycle")
	}
	return nil
}

// readySet returns the ids of every task whose status is Pending and
// whose dependencies have all reached TaskCompleted, ordered by
// ascending priority (lower dispatches earlier) then ascending id so
// dispatch order is deterministic across runs.
func readySet(list TodoList, tasks map[string]*TaskRun) []string {
	byID := make(map[string]TaskItem, len(list.Items))
	for _, item := range list.Items {
		byID[item.ID] = item
	}

	var ready []string
	for _, item := range list.Items {
		run := tasks[item.ID]
		if run == nil || run.Status != TaskPending {
			continue
		}
		blocked := false
		for _, dep := range item.Dependencies {
			if depRun := tasks[dep]; depRun == nil || depRun.Status != TaskCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, item.ID)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		pi, pj := byID[ready[i]].Priority, byID[ready[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return ready[i] < ready[j]
	})
	return ready
}

// skipBlockedTasks marks every Pending task Skipped once one of its
// dependencies is Failed or already Skipped, so a task whose dependency
// chain can never complete doesn't sit Pending forever once the ready
// set drains dry. Runs to a fixpoint in one call since skipping cascades:
// marking B skipped can be what makes C (which depends on B) skippable
// too. Returns whether any task changed state.
func skipBlockedTasks(list TodoList, tasks map[string]*TaskRun) bool {
	changed := false
	for {
		progressed := false
		for _, item := range list.Items {
			run := tasks[item.ID]
			if run == nil || run.Status != TaskPending {
				continue
			}
			for _, dep := range item.Dependencies {
				depRun := tasks[dep]
				if depRun != nil && (depRun.Status == TaskFailed || depRun.Status == TaskSkipped) {
					run.Status = TaskSkipped
					run.UpdatedAt = time.Now()
					progressed = true
					changed = true
					break
				}
			}
		}
		if !progressed {
			break
		}
	}
	return changed
}
