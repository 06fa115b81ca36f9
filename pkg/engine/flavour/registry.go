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

package flavour

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the thread-safe set of flavour profiles for one schedule.
// The config path is the single writer; the evaluator and the API are
// readers. Writes swap the whole set so readers never observe a partial
// update.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns a registry pre-populated with the given profiles.
// Invalid profiles are rejected as a whole.
func NewRegistry(profiles []Profile) (*Registry, error) {
	r := &Registry{profiles: map[string]Profile{}}
	if len(profiles) == 0 {
		return r, nil
	}
	if err := r.Replace(profiles); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace atomically swaps the registered set. The update is rejected if any
// profile is invalid, if names collide, or if every profile is disabled.
func (r *Registry) Replace(profiles []Profile) error {
	next := make(map[string]Profile, len(profiles))
	anyEnabled := false
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := next[p.Name]; dup {
			return fmt.Errorf("duplicate flavour name %q", p.Name)
		}
		if p.LatencyWeight == 0 {
			p.LatencyWeight = 1
		}
		if p.DeadlineSeconds <= 0 {
			p.DeadlineSeconds = DefaultDeadlineSeconds
		}
		next[p.Name] = p
		anyEnabled = anyEnabled || p.Enabled
	}
	if len(next) > 0 && !anyEnabled {
		return fmt.Errorf("refusing flavour update: all %d flavours disabled", len(next))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = next
	return nil
}

// Snapshot returns the registered profiles sorted by descending precision.
func (r *Registry) Snapshot() []Profile {
	r.mu.RLock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Precision != out[j].Precision {
			return out[i].Precision > out[j].Precision
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the named profile.
func (r *Registry) Get(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}
