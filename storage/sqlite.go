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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS router (
    uaid           TEXT PRIMARY KEY,
    node_id        TEXT NOT NULL DEFAULT '',
    connected_at   INTEGER NOT NULL,
    storage_period TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS channel (
    uaid       TEXT NOT NULL,
    chid       TEXT NOT NULL,
    public_key TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (uaid, chid)
);

CREATE TABLE IF NOT EXISTS message (
    uaid       TEXT NOT NULL,
    sort_key   INTEGER NOT NULL,
    chid       TEXT NOT NULL,
    topic      TEXT NOT NULL DEFAULT '',
    ttl        INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    expiry     INTEGER NOT NULL,
    headers    BLOB,
    data       BLOB,
    PRIMARY KEY (uaid, sort_key)
);

CREATE INDEX IF NOT EXISTS idx_message_expiry ON message (expiry);
CREATE INDEX IF NOT EXISTS idx_message_channel ON message (uaid, chid);
`

const sqliteMessageColumns = `uaid, sort_key, chid, topic, ttl, created_at, headers, data`

// sqliteDriverImpl implements Driver on top of SQLite
type sqliteDriverImpl struct {
	common.Component
	db *sql.DB
}

// GetSQLiteDriver define a Driver backed by the SQLite database at dsn. Use ":memory:"
// for a private in-memory database.
func GetSQLiteDriver(ctxt context.Context, dsn string) (Driver, error) {
	logTags := log.Fields{"module": "storage", "component": "sqlite-driver", "instance": dsn}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, err
	}
	// SQLite serializes writers, and an in-memory database exists per connection
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctxt, sqliteSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to apply schema")
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Opened SQLite storage")
	return &sqliteDriverImpl{Component: common.Component{LogTags: logTags}, db: db}, nil
}

// rowScanner common part of sql.Row and sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteMessage(row rowScanner) (common.Notification, error) {
	var msg common.Notification
	var sortKey, createdAt int64
	if err := row.Scan(
		&msg.UAID, &sortKey, &msg.CHID, &msg.Topic, &msg.TTL, &createdAt, &msg.Headers, &msg.Data,
	); err != nil {
		return msg, err
	}
	msg.SortKey = uint64(sortKey)
	msg.Timestamp = time.Unix(0, createdAt)
	return msg, nil
}

func (d *sqliteDriverImpl) queryMessages(
	ctxt context.Context, query string, args ...interface{},
) ([]common.Notification, error) {
	rows, err := d.db.QueryContext(ctxt, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []common.Notification{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// GetUser fetch the router record
func (d *sqliteDriverImpl) GetUser(ctxt context.Context, uaid string) (common.RouterRecord, error) {
	record := common.RouterRecord{UAID: uaid}
	var connectedAt int64
	err := d.db.QueryRowContext(
		ctxt, `SELECT node_id, connected_at, storage_period FROM router WHERE uaid = ?`, uaid,
	).Scan(&record.NodeID, &connectedAt, &record.StoragePeriod)
	if errors.Is(err, sql.ErrNoRows) {
		return record, fmt.Errorf("user %s: %w", uaid, common.ErrNotFound)
	} else if err != nil {
		return record, err
	}
	record.ConnectedAt = time.Unix(0, connectedAt)
	return record, nil
}

// PutUser create or replace the router record
func (d *sqliteDriverImpl) PutUser(ctxt context.Context, record common.RouterRecord) error {
	_, err := d.db.ExecContext(
		ctxt,
		`INSERT INTO router (uaid, node_id, connected_at, storage_period) VALUES (?, ?, ?, ?)
		 ON CONFLICT (uaid) DO UPDATE SET
		   node_id = excluded.node_id,
		   connected_at = excluded.connected_at,
		   storage_period = excluded.storage_period`,
		record.UAID, record.NodeID, record.ConnectedAt.UnixNano(), record.StoragePeriod,
	)
	return err
}

// ClearUserNode clear the record's node if it still points at nodeID
func (d *sqliteDriverImpl) ClearUserNode(ctxt context.Context, uaid, nodeID string) (bool, error) {
	result, err := d.db.ExecContext(
		ctxt, `UPDATE router SET node_id = '' WHERE uaid = ? AND node_id = ?`, uaid, nodeID,
	)
	if err != nil {
		return false, err
	}
	changed, err := result.RowsAffected()
	return changed > 0, err
}

// DropUser remove the user agent entirely
func (d *sqliteDriverImpl) DropUser(ctxt context.Context, uaid string) error {
	tx, err := d.db.BeginTx(ctxt, nil)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM message WHERE uaid = ?`,
		`DELETE FROM channel WHERE uaid = ?`,
		`DELETE FROM router WHERE uaid = ?`,
	} {
		if _, err := tx.ExecContext(ctxt, stmt, uaid); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AddChannel create or replace a channel record
func (d *sqliteDriverImpl) AddChannel(ctxt context.Context, record common.ChannelRecord) error {
	_, err := d.db.ExecContext(
		ctxt,
		`INSERT INTO channel (uaid, chid, public_key, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (uaid, chid) DO UPDATE SET
		   public_key = excluded.public_key,
		   created_at = excluded.created_at`,
		record.UAID, record.CHID, record.PublicKey, record.CreatedAt.UnixNano(),
	)
	return err
}

// GetChannel fetch a channel record
func (d *sqliteDriverImpl) GetChannel(
	ctxt context.Context, uaid, chid string,
) (common.ChannelRecord, error) {
	record := common.ChannelRecord{UAID: uaid, CHID: chid}
	var createdAt int64
	err := d.db.QueryRowContext(
		ctxt, `SELECT public_key, created_at FROM channel WHERE uaid = ? AND chid = ?`, uaid, chid,
	).Scan(&record.PublicKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return record, fmt.Errorf("channel %s/%s: %w", uaid, chid, common.ErrNotFound)
	} else if err != nil {
		return record, err
	}
	record.CreatedAt = time.Unix(0, createdAt)
	return record, nil
}

// ListChannels fetch all channel records of a user agent
func (d *sqliteDriverImpl) ListChannels(
	ctxt context.Context, uaid string,
) ([]common.ChannelRecord, error) {
	rows, err := d.db.QueryContext(
		ctxt,
		`SELECT chid, public_key, created_at FROM channel WHERE uaid = ? ORDER BY chid`,
		uaid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []common.ChannelRecord{}
	for rows.Next() {
		record := common.ChannelRecord{UAID: uaid}
		var createdAt int64
		if err := rows.Scan(&record.CHID, &record.PublicKey, &createdAt); err != nil {
			return nil, err
		}
		record.CreatedAt = time.Unix(0, createdAt)
		result = append(result, record)
	}
	return result, rows.Err()
}

// RemoveChannel remove a channel record
func (d *sqliteDriverImpl) RemoveChannel(ctxt context.Context, uaid, chid string) (bool, error) {
	result, err := d.db.ExecContext(
		ctxt, `DELETE FROM channel WHERE uaid = ? AND chid = ?`, uaid, chid,
	)
	if err != nil {
		return false, err
	}
	changed, err := result.RowsAffected()
	return changed > 0, err
}

// PutMessage store a notification
func (d *sqliteDriverImpl) PutMessage(ctxt context.Context, msg common.Notification) error {
	_, err := d.db.ExecContext(
		ctxt,
		`INSERT OR REPLACE INTO message (`+sqliteMessageColumns+`, expiry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.UAID, int64(msg.SortKey), msg.CHID, msg.Topic, msg.TTL,
		msg.Timestamp.UnixNano(), msg.Headers, msg.Data, msg.Expiry().UnixNano(),
	)
	return err
}

// DeleteMessage remove a notification
func (d *sqliteDriverImpl) DeleteMessage(
	ctxt context.Context, uaid, chid string, sortKey uint64,
) (bool, error) {
	result, err := d.db.ExecContext(
		ctxt,
		`DELETE FROM message WHERE uaid = ? AND sort_key = ? AND chid = ?`,
		uaid, int64(sortKey), chid,
	)
	if err != nil {
		return false, err
	}
	changed, err := result.RowsAffected()
	return changed > 0, err
}

// ListMessages fetch up to limit notifications with sort key > after
func (d *sqliteDriverImpl) ListMessages(
	ctxt context.Context, uaid string, after uint64, limit int,
) ([]common.Notification, error) {
	return d.queryMessages(
		ctxt,
		`SELECT `+sqliteMessageColumns+` FROM message
		 WHERE uaid = ? AND sort_key > ? ORDER BY sort_key ASC LIMIT ?`,
		uaid, int64(after), limit,
	)
}

// ListChannelMessages fetch every notification of one channel
func (d *sqliteDriverImpl) ListChannelMessages(
	ctxt context.Context, uaid, chid string,
) ([]common.Notification, error) {
	return d.queryMessages(
		ctxt,
		`SELECT `+sqliteMessageColumns+` FROM message
		 WHERE uaid = ? AND chid = ? ORDER BY sort_key ASC`,
		uaid, chid,
	)
}

// LastSortKey the largest stored sort key of the user agent
func (d *sqliteDriverImpl) LastSortKey(ctxt context.Context, uaid string) (uint64, error) {
	var last sql.NullInt64
	if err := d.db.QueryRowContext(
		ctxt, `SELECT MAX(sort_key) FROM message WHERE uaid = ?`, uaid,
	).Scan(&last); err != nil {
		return 0, err
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// ListExpired fetch up to limit notifications expiring at or before the given time
func (d *sqliteDriverImpl) ListExpired(
	ctxt context.Context, before time.Time, limit int,
) ([]common.Notification, error) {
	return d.queryMessages(
		ctxt,
		`SELECT `+sqliteMessageColumns+` FROM message
		 WHERE expiry <= ? ORDER BY expiry ASC LIMIT ?`,
		before.UnixNano(), limit,
	)
}

// Ping check the database is reachable
func (d *sqliteDriverImpl) Ping(ctxt context.Context) error {
	return d.db.PingContext(ctxt)
}

// Close release the database
func (d *sqliteDriverImpl) Close() error {
	return d.db.Close()
}
