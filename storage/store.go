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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// UserStore user agent router records and channel registrations
type UserStore interface {
	// GetUser fetch the router record. Returns common.ErrNotFound if unknown.
	GetUser(ctxt context.Context, uaid string) (common.RouterRecord, error)
	// PutUser create or replace the router record
	PutUser(ctxt context.Context, record common.RouterRecord) error
	// ClearUserNode mark the user agent offline, if nodeID still holds its session
	ClearUserNode(ctxt context.Context, uaid, nodeID string) (bool, error)
	// DropUser forget the user agent along with its channels and messages
	DropUser(ctxt context.Context, uaid string) error
	// AddChannel register a channel
	AddChannel(ctxt context.Context, record common.ChannelRecord) error
	// GetChannel fetch a channel. Returns common.ErrNotFound if unknown.
	GetChannel(ctxt context.Context, uaid, chid string) (common.ChannelRecord, error)
	// ListChannels fetch every channel of a user agent
	ListChannels(ctxt context.Context, uaid string) ([]common.ChannelRecord, error)
	// Unregister remove a channel along with its pending messages
	Unregister(ctxt context.Context, uaid, chid string) (bool, error)
}

// MessageStore per user agent ordered store of pending notifications
type MessageStore interface {
	// Enqueue store a notification. A zero SortKey gets a fresh one. A topic replaces
	// every older pending notification of the channel with the same topic. ttl=0 is
	// refused with common.ErrNotConnected.
	Enqueue(ctxt context.Context, msg common.Notification) (common.Notification, error)
	// NextSortKey allocate a sort key without storing anything
	NextSortKey(ctxt context.Context, uaid string) (uint64, error)
	// FetchBatch fetch up to limit unexpired notifications with sort key > after,
	// ascending. Expired entries met on the way are removed.
	FetchBatch(
		ctxt context.Context, uaid string, after uint64, limit int,
	) ([]common.Notification, error)
	// Ack remove a delivered notification. Returns false if it was already gone.
	Ack(ctxt context.Context, uaid, chid string, sortKey uint64) (bool, error)
	// Delete remove the newest pending notification of a channel
	Delete(ctxt context.Context, uaid, chid string) (bool, error)
	// RemoveChannel remove every pending notification of a channel
	RemoveChannel(ctxt context.Context, uaid, chid string) (int, error)
	// SweepExpired remove up to limit expired notifications
	SweepExpired(ctxt context.Context, limit int) (int, error)
}

// Store the complete storage layer used by sessions and the router
type Store interface {
	UserStore
	MessageStore
	// StartExpirySweep periodically call SweepExpired until ctxt ends
	StartExpirySweep(ctxt context.Context, wg *sync.WaitGroup, interval time.Duration, batch int) error
	// Ping check the backend is reachable
	Ping(ctxt context.Context) error
	// Close release the backend
	Close() error
}

// lastIssuedCacheSize number of user agents whose last issued sort key is remembered
const lastIssuedCacheSize = 65536

// storeImpl implements Store
type storeImpl struct {
	common.Component
	driver     Driver
	retry      common.RetryParams
	locks      common.KeyedMutex
	lastIssued *lru.Cache[string, uint64]
	now        func() time.Time
}

// GetStore define a Store on top of a Driver
func GetStore(driver Driver, retry common.RetryParams, instance string) (Store, error) {
	logTags := log.Fields{"module": "storage", "component": "store", "instance": instance}
	lastIssued, err := lru.New[string, uint64](lastIssuedCacheSize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sort key cache")
		return nil, err
	}
	return &storeImpl{
		Component:  common.Component{LogTags: logTags},
		driver:     driver,
		retry:      retry,
		lastIssued: lastIssued,
		now:        time.Now,
	}, nil
}

// lockUser serialize work on one user agent. Call the returned function to release.
func (s *storeImpl) lockUser(uaid string) func() {
	return s.locks.Lock(uaid)
}

// do run a driver call with retry. common.ErrNotFound is never retried.
func (s *storeImpl) do(ctxt context.Context, opName string, op common.RetryableOp) error {
	return common.RetryWithBackoff(ctxt, s.retry, s.LogTags, opName, func(c context.Context) error {
		err := op(c)
		if err != nil && errors.Is(err, common.ErrNotFound) {
			return common.Permanent(err)
		}
		return err
	})
}

// ==============================================================================
// User agent records

// GetUser fetch the router record
func (s *storeImpl) GetUser(ctxt context.Context, uaid string) (common.RouterRecord, error) {
	var record common.RouterRecord
	err := s.do(ctxt, "get-user", func(c context.Context) error {
		var err error
		record, err = s.driver.GetUser(c, uaid)
		return err
	})
	return record, err
}

// PutUser create or replace the router record
func (s *storeImpl) PutUser(ctxt context.Context, record common.RouterRecord) error {
	return s.do(ctxt, "put-user", func(c context.Context) error {
		return s.driver.PutUser(c, record)
	})
}

// ClearUserNode mark the user agent offline
func (s *storeImpl) ClearUserNode(ctxt context.Context, uaid, nodeID string) (bool, error) {
	var cleared bool
	err := s.do(ctxt, "clear-user-node", func(c context.Context) error {
		var err error
		cleared, err = s.driver.ClearUserNode(c, uaid, nodeID)
		return err
	})
	return cleared, err
}

// DropUser forget the user agent
func (s *storeImpl) DropUser(ctxt context.Context, uaid string) error {
	release := s.lockUser(uaid)
	defer release()
	s.lastIssued.Remove(uaid)
	return s.do(ctxt, "drop-user", func(c context.Context) error {
		return s.driver.DropUser(c, uaid)
	})
}

// AddChannel register a channel
func (s *storeImpl) AddChannel(ctxt context.Context, record common.ChannelRecord) error {
	return s.do(ctxt, "add-channel", func(c context.Context) error {
		return s.driver.AddChannel(c, record)
	})
}

// GetChannel fetch a channel
func (s *storeImpl) GetChannel(
	ctxt context.Context, uaid, chid string,
) (common.ChannelRecord, error) {
	var record common.ChannelRecord
	err := s.do(ctxt, "get-channel", func(c context.Context) error {
		var err error
		record, err = s.driver.GetChannel(c, uaid, chid)
		return err
	})
	return record, err
}

// ListChannels fetch every channel of a user agent
func (s *storeImpl) ListChannels(
	ctxt context.Context, uaid string,
) ([]common.ChannelRecord, error) {
	var records []common.ChannelRecord
	err := s.do(ctxt, "list-channels", func(c context.Context) error {
		var err error
		records, err = s.driver.ListChannels(c, uaid)
		return err
	})
	return records, err
}

// Unregister remove a channel along with its pending messages
func (s *storeImpl) Unregister(ctxt context.Context, uaid, chid string) (bool, error) {
	var existed bool
	if err := s.do(ctxt, "remove-channel", func(c context.Context) error {
		var err error
		existed, err = s.driver.RemoveChannel(c, uaid, chid)
		return err
	}); err != nil {
		return false, err
	}
	if _, err := s.RemoveChannel(ctxt, uaid, chid); err != nil {
		return existed, err
	}
	return existed, nil
}

// ==============================================================================
// Messages

// nextSortKey allocate the next sort key. Caller holds the user agent lock.
func (s *storeImpl) nextSortKey(ctxt context.Context, uaid string) (uint64, error) {
	var stored uint64
	if err := s.do(ctxt, "last-sort-key", func(c context.Context) error {
		var err error
		stored, err = s.driver.LastSortKey(c, uaid)
		return err
	}); err != nil {
		return 0, err
	}
	next := uint64(s.now().UnixNano())
	if stored >= next {
		next = stored + 1
	}
	if issued, ok := s.lastIssued.Get(uaid); ok && issued >= next {
		next = issued + 1
	}
	s.lastIssued.Add(uaid, next)
	return next, nil
}

// NextSortKey allocate a sort key without storing anything
func (s *storeImpl) NextSortKey(ctxt context.Context, uaid string) (uint64, error) {
	release := s.lockUser(uaid)
	defer release()
	return s.nextSortKey(ctxt, uaid)
}

// Enqueue store a notification
func (s *storeImpl) Enqueue(
	ctxt context.Context, msg common.Notification,
) (common.Notification, error) {
	if msg.TTL <= 0 {
		return msg, fmt.Errorf("ttl=0 notification can not be stored: %w", common.ErrNotConnected)
	}
	release := s.lockUser(msg.UAID)
	defer release()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.SortKey == 0 {
		sortKey, err := s.nextSortKey(ctxt, msg.UAID)
		if err != nil {
			return msg, err
		}
		msg.SortKey = sortKey
	} else if issued, ok := s.lastIssued.Get(msg.UAID); !ok || issued < msg.SortKey {
		s.lastIssued.Add(msg.UAID, msg.SortKey)
	}

	if msg.Topic != "" {
		var existing []common.Notification
		if err := s.do(ctxt, "list-channel-messages", func(c context.Context) error {
			var err error
			existing, err = s.driver.ListChannelMessages(c, msg.UAID, msg.CHID)
			return err
		}); err != nil {
			return msg, err
		}
		for _, old := range existing {
			if old.Topic != msg.Topic || old.SortKey == msg.SortKey {
				continue
			}
			if old.SortKey > msg.SortKey {
				// A newer message already holds this topic
				log.WithFields(s.LogTags).Debugf("%s superseded by %s", msg, old)
				return old, nil
			}
			if err := s.do(ctxt, "replace-topic", func(c context.Context) error {
				_, err := s.driver.DeleteMessage(c, old.UAID, old.CHID, old.SortKey)
				return err
			}); err != nil {
				return msg, err
			}
			log.WithFields(s.LogTags).Debugf("%s replaced by %s", old, msg)
		}
	}

	if err := s.do(ctxt, "put-message", func(c context.Context) error {
		return s.driver.PutMessage(c, msg)
	}); err != nil {
		return msg, err
	}
	log.WithFields(s.LogTags).Debugf("Stored %s", msg)
	return msg, nil
}

// FetchBatch fetch up to limit unexpired notifications with sort key > after
func (s *storeImpl) FetchBatch(
	ctxt context.Context, uaid string, after uint64, limit int,
) ([]common.Notification, error) {
	result := []common.Notification{}
	if limit <= 0 {
		return result, nil
	}
	release := s.lockUser(uaid)
	defer release()

	now := s.now()
	cursor := after
	for len(result) < limit {
		want := limit - len(result)
		var page []common.Notification
		if err := s.do(ctxt, "list-messages", func(c context.Context) error {
			var err error
			page, err = s.driver.ListMessages(c, uaid, cursor, want)
			return err
		}); err != nil {
			return nil, err
		}
		for _, msg := range page {
			cursor = msg.SortKey
			if msg.Expired(now) {
				expired := msg
				if err := s.do(ctxt, "drop-expired", func(c context.Context) error {
					_, err := s.driver.DeleteMessage(c, expired.UAID, expired.CHID, expired.SortKey)
					return err
				}); err != nil {
					return nil, err
				}
				log.WithFields(s.LogTags).Debugf("Dropped expired %s", expired)
				continue
			}
			result = append(result, msg)
		}
		if len(page) < want {
			break
		}
	}
	return result, nil
}

// Ack remove a delivered notification
func (s *storeImpl) Ack(ctxt context.Context, uaid, chid string, sortKey uint64) (bool, error) {
	release := s.lockUser(uaid)
	defer release()
	var removed bool
	err := s.do(ctxt, "ack", func(c context.Context) error {
		var err error
		removed, err = s.driver.DeleteMessage(c, uaid, chid, sortKey)
		return err
	})
	return removed, err
}

// Delete remove the newest pending notification of a channel
func (s *storeImpl) Delete(ctxt context.Context, uaid, chid string) (bool, error) {
	release := s.lockUser(uaid)
	defer release()
	var existing []common.Notification
	if err := s.do(ctxt, "list-channel-messages", func(c context.Context) error {
		var err error
		existing, err = s.driver.ListChannelMessages(c, uaid, chid)
		return err
	}); err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return false, nil
	}
	newest := existing[len(existing)-1]
	var removed bool
	err := s.do(ctxt, "delete", func(c context.Context) error {
		var err error
		removed, err = s.driver.DeleteMessage(c, uaid, chid, newest.SortKey)
		return err
	})
	return removed, err
}

// RemoveChannel remove every pending notification of a channel
func (s *storeImpl) RemoveChannel(ctxt context.Context, uaid, chid string) (int, error) {
	release := s.lockUser(uaid)
	defer release()
	var existing []common.Notification
	if err := s.do(ctxt, "list-channel-messages", func(c context.Context) error {
		var err error
		existing, err = s.driver.ListChannelMessages(c, uaid, chid)
		return err
	}); err != nil {
		return 0, err
	}
	removed := 0
	for _, msg := range existing {
		target := msg
		if err := s.do(ctxt, "remove-channel-message", func(c context.Context) error {
			_, err := s.driver.DeleteMessage(c, target.UAID, target.CHID, target.SortKey)
			return err
		}); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// SweepExpired remove up to limit expired notifications
func (s *storeImpl) SweepExpired(ctxt context.Context, limit int) (int, error) {
	var expired []common.Notification
	if err := s.do(ctxt, "list-expired", func(c context.Context) error {
		var err error
		expired, err = s.driver.ListExpired(c, s.now(), limit)
		return err
	}); err != nil {
		return 0, err
	}
	removed := 0
	for _, msg := range expired {
		target := msg
		release := s.lockUser(target.UAID)
		var gone bool
		err := s.do(ctxt, "sweep", func(c context.Context) error {
			var err error
			gone, err = s.driver.DeleteMessage(c, target.UAID, target.CHID, target.SortKey)
			return err
		})
		release()
		if err != nil {
			return removed, err
		}
		if gone {
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(s.LogTags).Debugf("Swept %d expired notifications", removed)
	}
	return removed, nil
}

// StartExpirySweep periodically call SweepExpired until ctxt ends
func (s *storeImpl) StartExpirySweep(
	ctxt context.Context, wg *sync.WaitGroup, interval time.Duration, batch int,
) error {
	timer, err := common.GetIntervalTimerInstance("expiry-sweep", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define sweep timer")
		return err
	}
	return timer.Start(interval, func() error {
		_, err := s.SweepExpired(ctxt, batch)
		return err
	}, false)
}

// Ping check the backend is reachable
func (s *storeImpl) Ping(ctxt context.Context) error {
	return s.driver.Ping(ctxt)
}

// Close release the backend
func (s *storeImpl) Close() error {
	return s.driver.Close()
}
