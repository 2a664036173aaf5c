/*
 * Copyright (c) 2020 Baidu, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mux holds the non go-restful part of the server handler.
package mux

import (
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"

	"github.com/baidu/easyloop/pkg/util/logs"
)

// PathRecorderMux is a gorilla router that remembers the paths installed on it.
type PathRecorderMux struct {
	name string

	lock         sync.RWMutex
	router       *mux.Router
	exposedPaths []string
	pathSet      map[string]struct{}
}

// NewPathRecorderMux creates a new PathRecorderMux
func NewPathRecorderMux(name string) *PathRecorderMux {
	return &PathRecorderMux{
		name:    name,
		router:  mux.NewRouter(),
		pathSet: map[string]struct{}{},
	}
}

// ListedPaths returns the registered handler exposedPaths.
func (m *PathRecorderMux) ListedPaths() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	handledPaths := append([]string{}, m.exposedPaths...)
	sort.Strings(handledPaths)
	return handledPaths
}

func (m *PathRecorderMux) record(path string) bool {
	if _, ok := m.pathSet[path]; ok {
		logs.Warnf("%s: duplicate path registration of %q ignored", m.name, path)
		return false
	}
	m.pathSet[path] = struct{}{}
	m.exposedPaths = append(m.exposedPaths, path)
	return true
}

// Handle registers the handler for the given exact path.
func (m *PathRecorderMux) Handle(path string, handler http.Handler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.record(path) {
		m.router.Handle(path, handler)
	}
}

// HandleFunc registers the handler function for the given exact path.
func (m *PathRecorderMux) HandleFunc(path string, handler func(http.ResponseWriter, *http.Request)) {
	m.Handle(path, http.HandlerFunc(handler))
}

// HandlePrefix is like Handle, but matches every path below prefix.
func (m *PathRecorderMux) HandlePrefix(prefix string, handler http.Handler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.record(prefix) {
		m.router.PathPrefix(prefix).Handler(handler)
	}
}

// NotFoundHandler sets the handler used when no path matches.
func (m *PathRecorderMux) NotFoundHandler(notFoundHandler http.Handler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.router.NotFoundHandler = notFoundHandler
}

// ServeHTTP makes it an http.Handler
func (m *PathRecorderMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.lock.RLock()
	router := m.router
	m.lock.RUnlock()
	router.ServeHTTP(w, r)
}
