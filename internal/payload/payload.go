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

// Package payload decodes the workflow payload and derives the forward
// and reverse adjacency graphs the monitor drives its state machine from.
package payload

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/faasr-go/monitor/pkg/faasrerrors"
)

// DataStore describes one entry of the payload's DataStores mapping.
type DataStore struct {
	Endpoint string `json:"Endpoint,omitempty"`
	Bucket   string `json:"Bucket"`
	Region   string `json:"Region,omitempty"`
}

// ActionListEntry describes one function's place in the workflow graph.
type ActionListEntry struct {
	InvokeNext []string `json:"InvokeNext,omitempty"`
	Rank       int      `json:"Rank,omitempty"`
}

// Payload is the workflow payload, read-only once loaded.
type Payload struct {
	WorkflowName     string                     `json:"WorkflowName"`
	FunctionInvoke   string                     `json:"FunctionInvoke"`
	InvocationID     string                     `json:"InvocationID"`
	FaaSrLog         string                     `json:"FaaSrLog"`
	DefaultDataStore string                     `json:"DefaultDataStore"`
	DataStores       map[string]DataStore       `json:"DataStores"`
	ActionList       map[string]ActionListEntry `json:"ActionList"`
}

// Load decodes a Payload from r.
func Load(r io.Reader) (*Payload, error) {
	var p Payload
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, &faasrerrors.InitializationError{Reason: "malformed workflow payload", Cause: err}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Payload) validate() error {
	var problems []string
	if p.WorkflowName == "" {
		problems = append(problems, "WorkflowName")
	}
	if p.FunctionInvoke == "" {
		problems = append(problems, "FunctionInvoke")
	}
	if p.InvocationID == "" {
		problems = append(problems, "InvocationID")
	}
	if p.FaaSrLog == "" {
		problems = append(problems, "FaaSrLog")
	}
	if p.DefaultDataStore == "" {
		problems = append(problems, "DefaultDataStore")
	}
	if len(p.DataStores) == 0 {
		problems = append(problems, "DataStores")
	}
	if len(problems) > 0 {
		return &faasrerrors.InitializationError{Reason: fmt.Sprintf("workflow payload missing required fields: %s", strings.Join(problems, ", "))}
	}
	if _, ok := p.DataStores[p.DefaultDataStore]; !ok {
		return &faasrerrors.InitializationError{Reason: fmt.Sprintf("DefaultDataStore %q not present in DataStores", p.DefaultDataStore)}
	}
	return nil
}

// Store returns the DataStore named by DefaultDataStore.
func (p *Payload) Store() DataStore {
	return p.DataStores[p.DefaultDataStore]
}

var rankedRefPattern = regexp.MustCompile(`^(.*)\((\d+)\)$`)

// splitIdentity splits a reference such as "g(3)" into its bare name and
// replica count. A bare reference with no "(k)" suffix returns count 0,
// meaning "unranked" (refers to the single identity "name").
func splitIdentity(ref string) (bare string, count int) {
	m := rankedRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return ref, 0
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return ref, 0
	}
	return m[1], n
}

// Identity formats a bare function name and replica index (1-based) as a
// function identity: "name" when idx is 0, else "name(idx)".
func Identity(bare string, idx int) string {
	if idx == 0 {
		return bare
	}
	return fmt.Sprintf("%s(%d)", bare, idx)
}

// Graph holds the derived forward/reverse adjacency and rank tables, plus
// the full set of function identities (expanded over ranks).
type Graph struct {
	// Identities lists every function identity the workflow will instantiate
	// an agent for, entry point first.
	Identities []string

	// Adj maps a function identity to the set of identities it may invoke.
	Adj map[string]map[string]struct{}

	// ReverseAdj maps a function identity to the set of identities that may
	// invoke it.
	ReverseAdj map[string]map[string]struct{}

	// Ranks maps a bare function name to its declared replica count (0 or 1
	// both mean "unranked, single identity").
	Ranks map[string]int

	// EntryPoint is the workflow's entry-point identity.
	EntryPoint string
}

// BuildGraph derives the forward/reverse adjacency and rank tables from the
// payload's ActionList, normalizing rank-expanded references to concrete
// identities per the spec's §9 design note: implementations normalize once,
// during graph construction, and never re-parse identities thereafter.
func BuildGraph(p *Payload) (*Graph, error) {
	g := &Graph{
		Adj:        make(map[string]map[string]struct{}),
		ReverseAdj: make(map[string]map[string]struct{}),
		Ranks:      make(map[string]int),
		EntryPoint: p.FunctionInvoke,
	}

	for name, entry := range p.ActionList {
		g.Ranks[name] = entry.Rank
	}

	seen := make(map[string]struct{})
	addIdentity := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		g.Identities = append(g.Identities, id)
		if _, ok := g.Adj[id]; !ok {
			g.Adj[id] = make(map[string]struct{})
		}
		if _, ok := g.ReverseAdj[id]; !ok {
			g.ReverseAdj[id] = make(map[string]struct{})
		}
	}

	// entry point first, so Identities[0] is always the entry point.
	addIdentity(p.FunctionInvoke)

	for name, entry := range p.ActionList {
		rank := entry.Rank
		if rank < 1 {
			rank = 1
		}
		if rank == 1 {
			addIdentity(name)
		} else {
			for k := 1; k <= rank; k++ {
				addIdentity(Identity(name, k))
			}
		}
	}

	for name, entry := range p.ActionList {
		rank := entry.Rank
		if rank < 1 {
			rank = 1
		}
		var sources []string
		if rank == 1 {
			sources = []string{name}
		} else {
			for k := 1; k <= rank; k++ {
				sources = append(sources, Identity(name, k))
			}
		}

		for _, ref := range entry.InvokeNext {
			bare, count := splitIdentity(ref)
			var targets []string
			if count == 0 {
				targets = []string{bare}
			} else {
				for k := 1; k <= count; k++ {
					targets = append(targets, Identity(bare, k))
				}
			}

			for _, src := range sources {
				addIdentity(src)
				if _, ok := g.Adj[src]; !ok {
					g.Adj[src] = make(map[string]struct{})
				}
				for _, tgt := range targets {
					addIdentity(tgt)
					g.Adj[src][tgt] = struct{}{}
					if _, ok := g.ReverseAdj[tgt]; !ok {
						g.ReverseAdj[tgt] = make(map[string]struct{})
					}
					g.ReverseAdj[tgt][src] = struct{}{}
				}
			}
		}
	}

	if _, ok := g.Adj[p.FunctionInvoke]; !ok {
		return nil, &faasrerrors.InitializationError{Reason: fmt.Sprintf("FunctionInvoke %q not present in ActionList", p.FunctionInvoke)}
	}

	return g, nil
}

// Parents returns the identities that may invoke id, in no particular order.
func (g *Graph) Parents(id string) []string {
	parents := g.ReverseAdj[id]
	out := make([]string, 0, len(parents))
	for p := range parents {
		out = append(out, p)
	}
	return out
}

// BareName splits a function identity into its bare name and replica index
// (0 meaning unranked).
func BareName(identity string) (bare string, idx int) {
	return splitIdentity(identity)
}
