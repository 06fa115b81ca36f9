/*
Copyright 2025 belgio99.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package registry keys the scheduler sessions by (namespace, name) and owns
// their lifecycle.
package registry

import (
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/config"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/session"
	errutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/error"
	logutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/logging"
)

// ProviderFactory builds the forecast provider for a new session. Sessions
// pointing at the same source may share one provider; the default factory
// returns a shared instance.
type ProviderFactory func() forecast.Provider

// Registry manages one scheduler session per (namespace, name).
// Operations are serialised per key but concurrent across keys.
type Registry struct {
	defaults    config.Config
	newProvider ProviderFactory
	logger      logr.Logger

	mu       sync.RWMutex
	sessions map[types.NamespacedName]*session.Session
}

// New builds an empty registry around the process defaults.
func New(defaults config.Config, newProvider ProviderFactory, logger logr.Logger) *Registry {
	return &Registry{
		defaults:    defaults,
		newProvider: newProvider,
		logger:      logger.WithName("scheduler-registry"),
		sessions:    map[types.NamespacedName]*session.Session{},
	}
}

// UpdateConfig creates the session for the key if missing, then applies the
// config push. A validation failure on creation leaves no session behind.
func (r *Registry) UpdateConfig(key types.NamespacedName, upd *config.Update) error {
	r.mu.RLock()
	existing, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		return existing.Configure(upd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[key]; ok {
		return existing.Configure(upd)
	}

	created, err := session.New(key, r.defaults, upd, r.newProvider(), r.logger)
	if err != nil {
		return err
	}
	r.sessions[key] = created
	r.logger.V(logutil.DEFAULT).Info("Scheduler session created", "namespace", key.Namespace, "schedule", key.Name)
	return nil
}

// Ensure returns the session for the key, creating it with defaults when
// missing. Used for the default schedule endpoints.
func (r *Registry) Ensure(key types.NamespacedName) (*session.Session, error) {
	r.mu.RLock()
	existing, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[key]; ok {
		return existing, nil
	}
	created, err := session.New(key, r.defaults, nil, r.newProvider(), r.logger)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = created
	return created, nil
}

// Get returns the session for the key.
func (r *Registry) Get(key types.NamespacedName) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, errutil.Error{Code: errutil.NotFound, Msg: "unknown schedule " + key.String()}
	}
	return s, nil
}

// Remove stops the session and drops its handle; removing an unknown key is
// a no-op.
func (r *Registry) Remove(key types.NamespacedName) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if ok {
		s.Close()
		r.logger.V(logutil.DEFAULT).Info("Scheduler session removed", "namespace", key.Namespace, "schedule", key.Name)
	}
}

// Shutdown stops every session. Per-session failures never leak across
// sessions, so shutdown is a plain fan-out.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = map[types.NamespacedName]*session.Session{}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
