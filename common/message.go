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

package common

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// NotificationHeaders crypto headers forwarded with an encrypted payload
type NotificationHeaders map[string]string

// Scan implements the sql.Scanner interface
func (h *NotificationHeaders) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*h = nil
			return nil
		}
		return json.Unmarshal(v, h)
	case string:
		if len(v) == 0 {
			*h = nil
			return nil
		}
		return json.Unmarshal([]byte(v), h)
	}
	return fmt.Errorf("src is not []byte")
}

// Value implements the sql/driver.Valuer interface
func (h NotificationHeaders) Value() (driver.Value, error) {
	if len(h) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]string(h))
}

// Notification one push message for a channel of a user agent
type Notification struct {
	// UAID is the target user agent
	UAID string `json:"uaid" validate:"required"`
	// CHID is the target channel
	CHID string `json:"channel_id" validate:"required,uuid"`
	// SortKey orders the user agent's notifications. Strictly increasing per UAID.
	SortKey uint64 `json:"sort_key"`
	// Topic when set, replaces any pending notification of the channel with the same topic
	Topic string `json:"topic,omitempty" validate:"omitempty,max=32"`
	// TTL is the lifetime of the notification in seconds
	TTL int64 `json:"ttl" validate:"gte=0"`
	// Timestamp is when the notification was accepted
	Timestamp time.Time `json:"timestamp"`
	// Headers are the payload crypto headers
	Headers NotificationHeaders `json:"headers,omitempty"`
	// Data is the opaque (encrypted) payload
	Data []byte `json:"data,omitempty"`
}

// Expiry when the notification can no longer be delivered
func (n Notification) Expiry() time.Time {
	return n.Timestamp.Add(time.Second * time.Duration(n.TTL))
}

// Expired whether the notification is past its expiry at the given time
func (n Notification) Expired(now time.Time) bool {
	return !now.Before(n.Expiry())
}

// Version the version string the client acks the notification with
func (n Notification) Version() string {
	return FormatVersion(n.SortKey)
}

// String toString function
func (n Notification) String() string {
	if n.Topic != "" {
		return fmt.Sprintf("%s/%s:MSG[%s T:%s]", n.UAID, n.CHID, n.Version(), n.Topic)
	}
	return fmt.Sprintf("%s/%s:MSG[%s]", n.UAID, n.CHID, n.Version())
}

// FormatVersion encode a sort key as a version string
func FormatVersion(sortKey uint64) string {
	return fmt.Sprintf("%016x", sortKey)
}

// ParseVersion decode a version string into a sort key
func ParseVersion(version string) (uint64, error) {
	if len(version) != 16 {
		return 0, fmt.Errorf("version '%s' has wrong length", version)
	}
	return strconv.ParseUint(version, 16, 64)
}

// ==============================================================================

// RouterRecord where a user agent is connected, if anywhere
type RouterRecord struct {
	// UAID is the user agent
	UAID string `json:"uaid" validate:"required"`
	// NodeID is the node holding the user agent's session. Empty when offline.
	NodeID string `json:"node_id,omitempty"`
	// ConnectedAt is when the user agent last said hello
	ConnectedAt time.Time `json:"connected_at"`
	// StoragePeriod is the message storage period current at the last hello
	StoragePeriod string `json:"storage_period"`
}

// StoragePeriodFor the storage period name for the given time
func StoragePeriodFor(t time.Time) string {
	return fmt.Sprintf("message_%04d_%02d", t.UTC().Year(), int(t.UTC().Month()))
}

// ChannelRecord one registered channel of a user agent
type ChannelRecord struct {
	// UAID is the owning user agent
	UAID string `json:"uaid" validate:"required"`
	// CHID is the channel
	CHID string `json:"channel_id" validate:"required,uuid"`
	// PublicKey is the VAPID application server key the channel is bound to, if any
	PublicKey string `json:"public_key,omitempty"`
	// CreatedAt is when the channel was registered
	CreatedAt time.Time `json:"created_at"`
}
