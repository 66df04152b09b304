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

// Package storetest provides an in-memory fake of internal/store.Accessor
// for tests, grounded on the teacher's pattern of hand-written fakes for
// external services rather than a generated mock.
package storetest

import (
	"context"
	"sync"

	"github.com/faasr-go/monitor/pkg/faasrerrors"
)

// Store is an in-memory Accessor. The zero value is ready to use.
type Store struct {
	mu      sync.Mutex
	objects map[string]string

	// Busy, when true, makes every call fail with StoreError{Busy} without
	// consulting objects.
	Busy bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]string)}
}

// Put sets the contents of key, creating or overwriting it.
func (s *Store) Put(key, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string]string)
	}
	s.objects[key] = content
}

// Delete removes key, if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
}

// Exists implements store.Accessor.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	if s.Busy {
		return false, &faasrerrors.StoreError{Kind: faasrerrors.StoreBusy, Key: key}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Get implements store.Accessor.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	if s.Busy {
		return "", &faasrerrors.StoreError{Kind: faasrerrors.StoreBusy, Key: key}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[key]
	if !ok {
		return "", &faasrerrors.StoreError{Kind: faasrerrors.StoreNotFound, Key: key}
	}
	return content, nil
}
