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

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
)

// memoryUser everything kept for one user agent
type memoryUser struct {
	record   *common.RouterRecord
	channels map[string]common.ChannelRecord
	// messages sorted by sort key ascending
	messages []common.Notification
}

// memoryDriverImpl implements Driver in process memory
type memoryDriverImpl struct {
	common.Component
	lock  sync.RWMutex
	users map[string]*memoryUser
}

// GetMemoryDriver define a Driver which keeps everything in process memory
func GetMemoryDriver() Driver {
	logTags := log.Fields{"module": "storage", "component": "memory-driver"}
	return &memoryDriverImpl{
		Component: common.Component{LogTags: logTags},
		users:     make(map[string]*memoryUser),
	}
}

// user fetch or create the entry of a user agent. Caller holds the write lock.
func (d *memoryDriverImpl) user(uaid string) *memoryUser {
	entry, ok := d.users[uaid]
	if !ok {
		entry = &memoryUser{channels: make(map[string]common.ChannelRecord)}
		d.users[uaid] = entry
	}
	return entry
}

// GetUser fetch the router record
func (d *memoryDriverImpl) GetUser(_ context.Context, uaid string) (common.RouterRecord, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if entry, ok := d.users[uaid]; ok && entry.record != nil {
		return *entry.record, nil
	}
	return common.RouterRecord{}, fmt.Errorf("user %s: %w", uaid, common.ErrNotFound)
}

// PutUser create or replace the router record
func (d *memoryDriverImpl) PutUser(_ context.Context, record common.RouterRecord) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	stored := record
	d.user(record.UAID).record = &stored
	return nil
}

// ClearUserNode clear the record's node if it still points at nodeID
func (d *memoryDriverImpl) ClearUserNode(_ context.Context, uaid, nodeID string) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	entry, ok := d.users[uaid]
	if !ok || entry.record == nil || entry.record.NodeID != nodeID {
		return false, nil
	}
	entry.record.NodeID = ""
	return true, nil
}

// DropUser remove the user agent entirely
func (d *memoryDriverImpl) DropUser(_ context.Context, uaid string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.users, uaid)
	return nil
}

// AddChannel create or replace a channel record
func (d *memoryDriverImpl) AddChannel(_ context.Context, record common.ChannelRecord) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.user(record.UAID).channels[record.CHID] = record
	return nil
}

// GetChannel fetch a channel record
func (d *memoryDriverImpl) GetChannel(
	_ context.Context, uaid, chid string,
) (common.ChannelRecord, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if entry, ok := d.users[uaid]; ok {
		if record, ok := entry.channels[chid]; ok {
			return record, nil
		}
	}
	return common.ChannelRecord{}, fmt.Errorf("channel %s/%s: %w", uaid, chid, common.ErrNotFound)
}

// ListChannels fetch all channel records of a user agent
func (d *memoryDriverImpl) ListChannels(
	_ context.Context, uaid string,
) ([]common.ChannelRecord, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	result := []common.ChannelRecord{}
	if entry, ok := d.users[uaid]; ok {
		for _, record := range entry.channels {
			result = append(result, record)
		}
	}
	return sortChannels(result), nil
}

// RemoveChannel remove a channel record
func (d *memoryDriverImpl) RemoveChannel(_ context.Context, uaid, chid string) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	entry, ok := d.users[uaid]
	if !ok {
		return false, nil
	}
	if _, ok := entry.channels[chid]; !ok {
		return false, nil
	}
	delete(entry.channels, chid)
	return true, nil
}

// PutMessage store a notification
func (d *memoryDriverImpl) PutMessage(_ context.Context, msg common.Notification) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	entry := d.user(msg.UAID)
	idx := sort.Search(len(entry.messages), func(i int) bool {
		return entry.messages[i].SortKey >= msg.SortKey
	})
	if idx < len(entry.messages) && entry.messages[idx].SortKey == msg.SortKey {
		entry.messages[idx] = msg
		return nil
	}
	entry.messages = append(entry.messages, common.Notification{})
	copy(entry.messages[idx+1:], entry.messages[idx:])
	entry.messages[idx] = msg
	return nil
}

// DeleteMessage remove a notification
func (d *memoryDriverImpl) DeleteMessage(
	_ context.Context, uaid, chid string, sortKey uint64,
) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	entry, ok := d.users[uaid]
	if !ok {
		return false, nil
	}
	idx := sort.Search(len(entry.messages), func(i int) bool {
		return entry.messages[i].SortKey >= sortKey
	})
	if idx >= len(entry.messages) ||
		entry.messages[idx].SortKey != sortKey ||
		entry.messages[idx].CHID != chid {
		return false, nil
	}
	entry.messages = append(entry.messages[:idx], entry.messages[idx+1:]...)
	return true, nil
}

// ListMessages fetch up to limit notifications with sort key > after
func (d *memoryDriverImpl) ListMessages(
	_ context.Context, uaid string, after uint64, limit int,
) ([]common.Notification, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	result := []common.Notification{}
	entry, ok := d.users[uaid]
	if !ok {
		return result, nil
	}
	idx := sort.Search(len(entry.messages), func(i int) bool {
		return entry.messages[i].SortKey > after
	})
	for ; idx < len(entry.messages) && len(result) < limit; idx++ {
		result = append(result, entry.messages[idx])
	}
	return result, nil
}

// ListChannelMessages fetch every notification of one channel
func (d *memoryDriverImpl) ListChannelMessages(
	_ context.Context, uaid, chid string,
) ([]common.Notification, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	result := []common.Notification{}
	if entry, ok := d.users[uaid]; ok {
		for _, msg := range entry.messages {
			if msg.CHID == chid {
				result = append(result, msg)
			}
		}
	}
	return result, nil
}

// LastSortKey the largest stored sort key of the user agent
func (d *memoryDriverImpl) LastSortKey(_ context.Context, uaid string) (uint64, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if entry, ok := d.users[uaid]; ok && len(entry.messages) > 0 {
		return entry.messages[len(entry.messages)-1].SortKey, nil
	}
	return 0, nil
}

// ListExpired fetch up to limit notifications expiring at or before the given time
func (d *memoryDriverImpl) ListExpired(
	_ context.Context, before time.Time, limit int,
) ([]common.Notification, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	result := []common.Notification{}
	for _, entry := range d.users {
		for _, msg := range entry.messages {
			if len(result) >= limit {
				return result, nil
			}
			if !msg.Expiry().After(before) {
				result = append(result, msg)
			}
		}
	}
	return result, nil
}

// Ping the memory driver is always reachable
func (d *memoryDriverImpl) Ping(_ context.Context) error {
	return nil
}

// Close release the backend
func (d *memoryDriverImpl) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.users = make(map[string]*memoryUser)
	return nil
}
