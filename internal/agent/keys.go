// Copyright 2025 Tom Barlow
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

package agent

import (
	"fmt"
	"strings"
)

// DoneKeyPrefix is the object-store prefix completion markers are written
// under, relative to the invocation folder.
const DoneKeyPrefix = "function_completions"

// LogKey builds the object-store key for a function identity's log object,
// rewriting a replica suffix "(k)" to ".k".
func LogKey(invocationFolder, bareName string, idx int) string {
	return normalize(fmt.Sprintf("%s/%s%s.txt", invocationFolder, bareName, replicaSuffix(idx)))
}

// DoneKey builds the object-store key for a function identity's completion
// marker.
func DoneKey(invocationFolder, bareName string, idx int) string {
	return normalize(fmt.Sprintf("%s/%s/%s%s.done", invocationFolder, DoneKeyPrefix, bareName, replicaSuffix(idx)))
}

func replicaSuffix(idx int) string {
	if idx == 0 {
		return ""
	}
	return fmt.Sprintf(".%d", idx)
}

func normalize(key string) string {
	return strings.ReplaceAll(key, "\\", "/")
}
