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
	"time"

	"github.com/alwitt/httpush/common"
)

// RouterDriver persists user agent router records and their channels
type RouterDriver interface {
	// GetUser fetch the router record. Returns common.ErrNotFound if unknown.
	GetUser(ctxt context.Context, uaid string) (common.RouterRecord, error)
	// PutUser create or replace the router record
	PutUser(ctxt context.Context, record common.RouterRecord) error
	// ClearUserNode clear the record's node, but only if it still points at nodeID
	ClearUserNode(ctxt context.Context, uaid, nodeID string) (bool, error)
	// DropUser remove the router record along with its channels and messages
	DropUser(ctxt context.Context, uaid string) error
	// AddChannel create or replace a channel record
	AddChannel(ctxt context.Context, record common.ChannelRecord) error
	// GetChannel fetch a channel record. Returns common.ErrNotFound if unknown.
	GetChannel(ctxt context.Context, uaid, chid string) (common.ChannelRecord, error)
	// ListChannels fetch all channel records of a user agent
	ListChannels(ctxt context.Context, uaid string) ([]common.ChannelRecord, error)
	// RemoveChannel remove a channel record. Returns false if it did not exist.
	RemoveChannel(ctxt context.Context, uaid, chid string) (bool, error)
}

// MessageDriver persists pending notifications
type MessageDriver interface {
	// PutMessage store a notification under its (uaid, sort key)
	PutMessage(ctxt context.Context, msg common.Notification) error
	// DeleteMessage remove a notification if it exists and belongs to chid
	DeleteMessage(ctxt context.Context, uaid, chid string, sortKey uint64) (bool, error)
	// ListMessages fetch up to limit notifications with sort key > after, ascending
	ListMessages(
		ctxt context.Context, uaid string, after uint64, limit int,
	) ([]common.Notification, error)
	// ListChannelMessages fetch every notification of one channel, ascending
	ListChannelMessages(ctxt context.Context, uaid, chid string) ([]common.Notification, error)
	// LastSortKey the largest stored sort key of the user agent, 0 if none
	LastSortKey(ctxt context.Context, uaid string) (uint64, error)
	// ListExpired fetch up to limit notifications expiring at or before the given time
	ListExpired(ctxt context.Context, before time.Time, limit int) ([]common.Notification, error)
}

// Driver a complete storage backend
type Driver interface {
	RouterDriver
	MessageDriver
	// Ping check the backend is reachable
	Ping(ctxt context.Context) error
	// Close release the backend
	Close() error
}

// GetDriver build the storage driver selected in config
func GetDriver(ctxt context.Context, cfg common.StorageConfig) (Driver, error) {
	switch cfg.Driver {
	case "memory":
		return GetMemoryDriver(), nil
	case "sqlite":
		if cfg.SQLite == nil {
			return nil, fmt.Errorf("sqlite storage driver requires the storage.sqlite section")
		}
		return GetSQLiteDriver(ctxt, cfg.SQLite.DSN)
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis storage driver requires the storage.redis section")
		}
		return GetRedisDriver(ctxt, cfg.Redis.ServerURI, cfg.Redis.KeyPrefix)
	}
	return nil, fmt.Errorf("unknown storage driver '%s'", cfg.Driver)
}

// sortChannels order channel records by channel ID
func sortChannels(records []common.ChannelRecord) []common.ChannelRecord {
	sort.Slice(records, func(i, j int) bool { return records[i].CHID < records[j].CHID })
	return records
}
