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

package stratforgeerr

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// TaskFailure pairs a task id with the last classified error it produced,
// for the final failure report the IterativeLoop emits once max_iterations
// is reached without every task completing.
type TaskFailure struct {
	TaskID string
	Err    error
}

// Aggregate builds a single error from a workflow's per-task last errors,
// sorted by task id so the report is stable across runs. Returns nil if
// failures is empty.
func Aggregate(failures []TaskFailure) error {
	if len(failures) == 0 {
		return nil
	}

	sorted := make([]TaskFailure, len(failures))
	copy(sorted, failures)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })

	var result *multierror.Error
	for _, f := range sorted {
		result = multierror.Append(result, fmt.Errorf("task %s: %w", f.TaskID, f.Err))
	}
	result.ErrorFormat = func(errs []error) string {
		msg := fmt.Sprintf("%d task(s) failed:", len(errs))
		for _, e := range errs {
			msg += "\n  - " + e.Error()
		}
		return msg
	}
	return result.ErrorOrNil()
}
