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

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/httpush/broadcast"
	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/storage"
	"github.com/alwitt/httpush/token"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Params session behavior parameters
type Params struct {
	// NodeID identifies this node in router records
	NodeID string `validate:"required"`
	// BatchSize max number of unacked notifications per session
	BatchSize int `validate:"gte=1"`
	// IdleTimeout closes a session which sent nothing for this long
	IdleTimeout time.Duration `validate:"gt=0"`
	// InboxDepth buffer depth of each session's live delivery queue
	InboxDepth int `validate:"gte=1"`
	// WriteTimeout max duration of one frame write
	WriteTimeout time.Duration `validate:"gt=0"`
	// UserRetention a user agent away for longer is dropped on hello and given a new
	// UAID. Zero keeps user agents forever.
	UserRetention time.Duration `validate:"gte=0"`
}

// GetParams convert the connection server config into session Params
func GetParams(nodeID string, cfg common.ConnectionServerConfig) Params {
	return Params{
		NodeID:        nodeID,
		BatchSize:     cfg.BatchSize,
		IdleTimeout:   time.Second * time.Duration(cfg.IdleTimeout),
		InboxDepth:    cfg.InboxDepth,
		WriteTimeout:  time.Second * time.Duration(cfg.WriteTimeout),
		UserRetention: time.Second * time.Duration(cfg.UserRetention),
	}
}

// TakeoverNotifier tells another node a user agent reconnected elsewhere
type TakeoverNotifier interface {
	// NotifyTakeover tell nodeID its session of uaid is stale
	NotifyTakeover(ctxt context.Context, nodeID, uaid string) error
}

// Manager runs the sessions of this node and routes live notifications to them
type Manager interface {
	// Serve run a session over the transport until it closes
	Serve(ctxt context.Context, transport Transport) error
	// Deliver hand a live notification to the local session of its user agent.
	// Returns common.ErrNotConnected without one, ErrSessionBusy if it can not
	// take the notification now.
	Deliver(ctxt context.Context, msg common.Notification) error
	// CheckStorage tell the local session of uaid new notifications were stored
	CheckStorage(uaid string) bool
	// Evict close the local session of uaid
	Evict(uaid string) bool
	// Connected whether uaid has a local session
	Connected(uaid string) bool
	// Count number of sessions past hello
	Count() int
	// NodeID this node
	NodeID() string
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	params    Params
	store     storage.Store
	registry  broadcast.Registry
	endpoints token.EndpointFormatter
	notifier  TakeoverNotifier

	lock      sync.RWMutex
	sessions  map[string]*sessionImpl
	uaidLocks common.KeyedMutex
}

// GetManager define a session Manager. notifier may be nil when this node runs alone.
func GetManager(
	params Params,
	store storage.Store,
	registry broadcast.Registry,
	endpoints token.EndpointFormatter,
	notifier TakeoverNotifier,
) (Manager, error) {
	logTags := log.Fields{"module": "session", "component": "manager", "instance": params.NodeID}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session parameters")
		return nil, err
	}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		store:     store,
		registry:  registry,
		endpoints: endpoints,
		notifier:  notifier,
		sessions:  make(map[string]*sessionImpl),
	}, nil
}

// Serve run a session over the transport until it closes
func (m *managerImpl) Serve(ctxt context.Context, transport Transport) error {
	s := newSession(uuid.New().String(), m, transport)
	log.WithFields(s.LogTags).Debug("New connection")
	return s.run(ctxt)
}

// attach make s the session of its user agent and point the router record here
func (m *managerImpl) attach(ctxt context.Context, s *sessionImpl, record common.RouterRecord) error {
	release := m.uaidLocks.Lock(record.UAID)
	defer release()
	if err := m.store.PutUser(ctxt, record); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to write router record")
		return err
	}
	m.lock.Lock()
	old := m.sessions[record.UAID]
	m.sessions[record.UAID] = s
	m.lock.Unlock()
	if old != nil && old != s {
		log.WithFields(s.LogTags).Infof("Replacing session %s", old.id)
		old.evict()
	}
	return nil
}

// detach forget s, and mark its user agent offline, if it is still the user agent's session
func (m *managerImpl) detach(ctxt context.Context, s *sessionImpl) bool {
	release := m.uaidLocks.Lock(s.uaid)
	defer release()
	m.lock.Lock()
	current := m.sessions[s.uaid] == s
	if current {
		delete(m.sessions, s.uaid)
	}
	m.lock.Unlock()
	if !current {
		return false
	}
	if _, err := m.store.ClearUserNode(ctxt, s.uaid, m.params.NodeID); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to clear router record")
	}
	return true
}

func (m *managerImpl) lookup(uaid string) (*sessionImpl, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	s, ok := m.sessions[uaid]
	return s, ok
}

// Deliver hand a live notification to the local session of its user agent
func (m *managerImpl) Deliver(ctxt context.Context, msg common.Notification) error {
	s, ok := m.lookup(msg.UAID)
	if !ok {
		return fmt.Errorf("no local session of %s: %w", msg.UAID, common.ErrNotConnected)
	}
	return s.Deliver(ctxt, msg)
}

// CheckStorage tell the local session of uaid new notifications were stored
func (m *managerImpl) CheckStorage(uaid string) bool {
	s, ok := m.lookup(uaid)
	if ok {
		s.CheckStorage()
	}
	return ok
}

// Evict close the local session of uaid
func (m *managerImpl) Evict(uaid string) bool {
	s, ok := m.lookup(uaid)
	if ok {
		s.evict()
	}
	return ok
}

// Connected whether uaid has a local session
func (m *managerImpl) Connected(uaid string) bool {
	_, ok := m.lookup(uaid)
	return ok
}

// Count number of sessions past hello
func (m *managerImpl) Count() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.sessions)
}

// NodeID this node
func (m *managerImpl) NodeID() string {
	return m.params.NodeID
}
