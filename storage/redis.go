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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// Sort keys are zero padded so lexical order in the per user sorted set matches numeric order.
const redisSortKeyFormat = "%020d"

// clearNodeScript clears the node of a router record only if it still holds ARGV[1]
var clearNodeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'node_id') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'node_id', '')
  return 1
end
return 0
`)

// redisDriverImpl implements Driver on top of Redis
//
// Layout, all keys under the configured prefix:
//   - user:<uaid>          hash of the router record
//   - chans:<uaid>         hash chid -> JSON channel record
//   - msgs:<uaid>          sorted set of padded sort keys (lexical order)
//   - msg:<uaid>:<sortkey> JSON notification
//   - expiry               sorted set "<uaid>:<sortkey>" scored by expiry in ms
type redisDriverImpl struct {
	common.Component
	client *redis.Client
	prefix string
}

// GetRedisDriver define a Driver backed by the Redis server at serverURI
func GetRedisDriver(ctxt context.Context, serverURI, keyPrefix string) (Driver, error) {
	logTags := log.Fields{"module": "storage", "component": "redis-driver", "instance": keyPrefix}
	opts, err := redis.ParseURL(serverURI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid Redis URI")
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach Redis")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Connected to Redis storage")
	return &redisDriverImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
		prefix:    keyPrefix,
	}, nil
}

func (d *redisDriverImpl) userKey(uaid string) string {
	return fmt.Sprintf("%s:user:%s", d.prefix, uaid)
}

func (d *redisDriverImpl) channelsKey(uaid string) string {
	return fmt.Sprintf("%s:chans:%s", d.prefix, uaid)
}

func (d *redisDriverImpl) messagesKey(uaid string) string {
	return fmt.Sprintf("%s:msgs:%s", d.prefix, uaid)
}

func (d *redisDriverImpl) messageKey(uaid, member string) string {
	return fmt.Sprintf("%s:msg:%s:%s", d.prefix, uaid, member)
}

func (d *redisDriverImpl) expiryKey() string {
	return fmt.Sprintf("%s:expiry", d.prefix)
}

func sortKeyMember(sortKey uint64) string {
	return fmt.Sprintf(redisSortKeyFormat, sortKey)
}

// GetUser fetch the router record
func (d *redisDriverImpl) GetUser(ctxt context.Context, uaid string) (common.RouterRecord, error) {
	record := common.RouterRecord{UAID: uaid}
	fields, err := d.client.HGetAll(ctxt, d.userKey(uaid)).Result()
	if err != nil {
		return record, err
	}
	if len(fields) == 0 {
		return record, fmt.Errorf("user %s: %w", uaid, common.ErrNotFound)
	}
	record.NodeID = fields["node_id"]
	record.StoragePeriod = fields["storage_period"]
	if connectedAt, err := strconv.ParseInt(fields["connected_at"], 10, 64); err == nil {
		record.ConnectedAt = time.Unix(0, connectedAt)
	}
	return record, nil
}

// PutUser create or replace the router record
func (d *redisDriverImpl) PutUser(ctxt context.Context, record common.RouterRecord) error {
	return d.client.HSet(
		ctxt, d.userKey(record.UAID),
		"node_id", record.NodeID,
		"connected_at", strconv.FormatInt(record.ConnectedAt.UnixNano(), 10),
		"storage_period", record.StoragePeriod,
	).Err()
}

// ClearUserNode clear the record's node if it still points at nodeID
func (d *redisDriverImpl) ClearUserNode(ctxt context.Context, uaid, nodeID string) (bool, error) {
	changed, err := clearNodeScript.Run(ctxt, d.client, []string{d.userKey(uaid)}, nodeID).Int()
	if err != nil {
		return false, err
	}
	return changed == 1, nil
}

// DropUser remove the user agent entirely
func (d *redisDriverImpl) DropUser(ctxt context.Context, uaid string) error {
	members, err := d.client.ZRange(ctxt, d.messagesKey(uaid), 0, -1).Result()
	if err != nil {
		return err
	}
	_, err = d.client.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		for _, member := range members {
			pipe.Del(ctxt, d.messageKey(uaid, member))
			pipe.ZRem(ctxt, d.expiryKey(), uaid+":"+member)
		}
		pipe.Del(ctxt, d.messagesKey(uaid), d.channelsKey(uaid), d.userKey(uaid))
		return nil
	})
	return err
}

// AddChannel create or replace a channel record
func (d *redisDriverImpl) AddChannel(ctxt context.Context, record common.ChannelRecord) error {
	encoded, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	return d.client.HSet(ctxt, d.channelsKey(record.UAID), record.CHID, encoded).Err()
}

// GetChannel fetch a channel record
func (d *redisDriverImpl) GetChannel(
	ctxt context.Context, uaid, chid string,
) (common.ChannelRecord, error) {
	var record common.ChannelRecord
	raw, err := d.client.HGet(ctxt, d.channelsKey(uaid), chid).Bytes()
	if errors.Is(err, redis.Nil) {
		return record, fmt.Errorf("channel %s/%s: %w", uaid, chid, common.ErrNotFound)
	} else if err != nil {
		return record, err
	}
	return record, json.Unmarshal(raw, &record)
}

// ListChannels fetch all channel records of a user agent
func (d *redisDriverImpl) ListChannels(
	ctxt context.Context, uaid string,
) ([]common.ChannelRecord, error) {
	entries, err := d.client.HGetAll(ctxt, d.channelsKey(uaid)).Result()
	if err != nil {
		return nil, err
	}
	result := []common.ChannelRecord{}
	for _, raw := range entries {
		var record common.ChannelRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return sortChannels(result), nil
}

// RemoveChannel remove a channel record
func (d *redisDriverImpl) RemoveChannel(ctxt context.Context, uaid, chid string) (bool, error) {
	removed, err := d.client.HDel(ctxt, d.channelsKey(uaid), chid).Result()
	return removed > 0, err
}

// PutMessage store a notification
func (d *redisDriverImpl) PutMessage(ctxt context.Context, msg common.Notification) error {
	encoded, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	member := sortKeyMember(msg.SortKey)
	_, err = d.client.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		pipe.Set(ctxt, d.messageKey(msg.UAID, member), encoded, 0)
		pipe.ZAdd(ctxt, d.messagesKey(msg.UAID), redis.Z{Score: 0, Member: member})
		pipe.ZAdd(ctxt, d.expiryKey(), redis.Z{
			Score: float64(msg.Expiry().UnixMilli()), Member: msg.UAID + ":" + member,
		})
		return nil
	})
	return err
}

// readMessages fetch the notifications stored under the given sort key members
func (d *redisDriverImpl) readMessages(
	ctxt context.Context, uaid string, members []string,
) ([]common.Notification, error) {
	result := []common.Notification{}
	if len(members) == 0 {
		return result, nil
	}
	keys := make([]string, len(members))
	for idx, member := range members {
		keys[idx] = d.messageKey(uaid, member)
	}
	values, err := d.client.MGet(ctxt, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Deleted between the index read and the fetch
			continue
		}
		var msg common.Notification
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, nil
}

// DeleteMessage remove a notification
func (d *redisDriverImpl) DeleteMessage(
	ctxt context.Context, uaid, chid string, sortKey uint64,
) (bool, error) {
	member := sortKeyMember(sortKey)
	existing, err := d.readMessages(ctxt, uaid, []string{member})
	if err != nil {
		return false, err
	}
	if len(existing) == 0 || existing[0].CHID != chid {
		return false, nil
	}
	var removed *redis.IntCmd
	_, err = d.client.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctxt, d.messageKey(uaid, member))
		pipe.ZRem(ctxt, d.messagesKey(uaid), member)
		pipe.ZRem(ctxt, d.expiryKey(), uaid+":"+member)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// ListMessages fetch up to limit notifications with sort key > after
func (d *redisDriverImpl) ListMessages(
	ctxt context.Context, uaid string, after uint64, limit int,
) ([]common.Notification, error) {
	members, err := d.client.ZRangeArgs(ctxt, redis.ZRangeArgs{
		Key:   d.messagesKey(uaid),
		Start: "(" + sortKeyMember(after),
		Stop:  "+",
		ByLex: true,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	return d.readMessages(ctxt, uaid, members)
}

// ListChannelMessages fetch every notification of one channel
func (d *redisDriverImpl) ListChannelMessages(
	ctxt context.Context, uaid, chid string,
) ([]common.Notification, error) {
	members, err := d.client.ZRange(ctxt, d.messagesKey(uaid), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	all, err := d.readMessages(ctxt, uaid, members)
	if err != nil {
		return nil, err
	}
	result := []common.Notification{}
	for _, msg := range all {
		if msg.CHID == chid {
			result = append(result, msg)
		}
	}
	return result, nil
}

// LastSortKey the largest stored sort key of the user agent
func (d *redisDriverImpl) LastSortKey(ctxt context.Context, uaid string) (uint64, error) {
	members, err := d.client.ZRangeArgs(ctxt, redis.ZRangeArgs{
		Key:   d.messagesKey(uaid),
		Start: "-",
		Stop:  "+",
		ByLex: true,
		Rev:   true,
		Count: 1,
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}
	return strconv.ParseUint(members[0], 10, 64)
}

// ListExpired fetch up to limit notifications expiring at or before the given time
func (d *redisDriverImpl) ListExpired(
	ctxt context.Context, before time.Time, limit int,
) ([]common.Notification, error) {
	entries, err := d.client.ZRangeArgs(ctxt, redis.ZRangeArgs{
		Key:     d.expiryKey(),
		Start:   "-inf",
		Stop:    strconv.FormatInt(before.UnixMilli(), 10),
		ByScore: true,
		Count:   int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	result := []common.Notification{}
	for _, entry := range entries {
		sep := strings.LastIndex(entry, ":")
		if sep < 0 {
			continue
		}
		msgs, err := d.readMessages(ctxt, entry[:sep], []string{entry[sep+1:]})
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			// Index entry outlived its message
			d.client.ZRem(ctxt, d.expiryKey(), entry)
			continue
		}
		result = append(result, msgs[0])
	}
	return result, nil
}

// Ping check the server is reachable
func (d *redisDriverImpl) Ping(ctxt context.Context) error {
	return d.client.Ping(ctxt).Err()
}

// Close release the client
func (d *redisDriverImpl) Close() error {
	return d.client.Close()
}
