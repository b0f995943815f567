// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broadcast

import (
	"sync"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
)

// Versions service name to version string
type Versions map[string]string

// Listener callback invoked with the changed entries after each poll that changed anything.
// Called with no registry lock held. Must not block.
type Listener func(diff Versions)

// Registry the latest known version of every named external service
type Registry interface {
	// ApplyPoll merge in a fresh poll result and return the entries that changed.
	// Services absent from the poll keep their last known version.
	ApplyPoll(versions Versions) Versions
	// DiffForSession the entries of known whose current version differs. Names the
	// registry has never seen are skipped.
	DiffForSession(known Versions) Versions
	// Subscribe register a listener for poll diffs
	Subscribe(id string, listener Listener)
	// Unsubscribe remove a listener
	Unsubscribe(id string)
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock      sync.RWMutex
	versions  Versions
	listeners map[string]Listener
}

// GetRegistry define a new empty broadcast Registry
func GetRegistry() Registry {
	return &registryImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "broadcast", "component": "registry"},
		},
		versions:  Versions{},
		listeners: make(map[string]Listener),
	}
}

// ApplyPoll merge in a fresh poll result
func (r *registryImpl) ApplyPoll(versions Versions) Versions {
	diff := Versions{}
	r.lock.Lock()
	for name, version := range versions {
		if current, ok := r.versions[name]; !ok || current != version {
			diff[name] = version
			r.versions[name] = version
		}
	}
	listeners := make([]Listener, 0, len(r.listeners))
	if len(diff) > 0 {
		for _, listener := range r.listeners {
			listeners = append(listeners, listener)
		}
	}
	r.lock.Unlock()

	if len(diff) > 0 {
		log.WithFields(r.LogTags).Debugf("Broadcast changed %v", diff)
		for _, listener := range listeners {
			listener(diff.copy())
		}
	}
	return diff
}

// DiffForSession the entries of known whose current version differs
func (r *registryImpl) DiffForSession(known Versions) Versions {
	r.lock.RLock()
	defer r.lock.RUnlock()
	diff := Versions{}
	for name, version := range known {
		if current, ok := r.versions[name]; ok && current != version {
			diff[name] = current
		}
	}
	return diff
}

// current a copy of every known entry
func (r *registryImpl) current() Versions {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.versions.copy()
}

// Subscribe register a listener for poll diffs
func (r *registryImpl) Subscribe(id string, listener Listener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.listeners[id] = listener
}

// Unsubscribe remove a listener
func (r *registryImpl) Unsubscribe(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.listeners, id)
}

func (v Versions) copy() Versions {
	result := make(Versions, len(v))
	for name, version := range v {
		result[name] = version
	}
	return result
}
