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

package tailer

import "regexp"

var entryHeader = regexp.MustCompile(`(?m)^\[\d+(?:\.\d+)?\]`)

// ParseEntries splits raw log text into timestamped entries. A new entry
// begins at every line matching `^[<float>]`; subsequent lines belong to
// the same entry until the next header or end of input. Empty input
// yields an empty slice.
func ParseEntries(raw string) []string {
	if raw == "" {
		return nil
	}

	locs := entryHeader.FindAllStringIndex(raw, -1)
	if len(locs) == 0 {
		return nil
	}

	entries := make([]string, 0, len(locs))
	for i, loc := range locs {
		start := loc[0]
		end := len(raw)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		entry := raw[start:end]
		for len(entry) > 0 && entry[len(entry)-1] == '\n' {
			entry = entry[:len(entry)-1]
		}
		entries = append(entries, entry)
	}
	return entries
}
