package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
)

// Device inbox / federation outbox queries
const (
	sqlInsertInboxMessage = `INSERT INTO device_inbox(user_id, device_id, stream_id, message_json) VALUES (?, ?, ?, ?)`
	sqlInsertOutboxEntry  = `INSERT INTO device_federation_outbox(destination, stream_id, queued_ts, messages_json) VALUES (?, ?, ?, ?)`
	sqlSelectInboxRecord  = `SELECT message_id FROM device_federation_inbox WHERE origin = ? AND message_id = ?`
	sqlInsertInboxRecord  = `INSERT INTO device_federation_inbox(origin, message_id, received_ts) VALUES (?, ?, ?)`

	sqlSelectNewMessages = `SELECT stream_id, message_json FROM device_inbox
                                                            WHERE user_id = ? AND device_id = ?
                                                            AND ? < stream_id AND stream_id <= ?
                                                            ORDER BY stream_id ASC
                                                            LIMIT ?`
	sqlSelectNewOutbox = `SELECT destination, stream_id, queued_ts, messages_json FROM device_federation_outbox
                                                            WHERE destination = ?
                                                            AND ? < stream_id AND stream_id <= ?
                                                            ORDER BY stream_id ASC
                                                            LIMIT ?`
	sqlSelectNewStreamIds = `SELECT DISTINCT stream_id FROM device_inbox
                                                            WHERE ? < stream_id AND stream_id <= ?
                                                            ORDER BY stream_id ASC
                                                            LIMIT ?`
	sqlSelectAllNewMessages = `SELECT stream_id, user_id, device_id, message_json FROM device_inbox
                                                            WHERE ? < stream_id AND stream_id <= ?
                                                            ORDER BY stream_id ASC`

	sqlDeleteInboxUpTo  = `DELETE FROM device_inbox WHERE user_id = ? AND device_id = ? AND stream_id <= ?`
	sqlDeleteOutboxUpTo = `DELETE FROM device_federation_outbox WHERE destination = ? AND stream_id <= ?`
)

// AddMessages queues a batch of outgoing to-device messages. Local
// recipients land in their device inboxes, remote payloads in the
// federation outbox, all at one freshly allocated stream id inside one
// transaction. Messages for devices that don't exist are silently dropped.
// An empty batch still spends a stream id, callers get a token either way.
// Returns the current stream token once the batch is visible to readers.
func (db *DB) AddMessages(local map[string]map[string]string, remote map[string]string) (int64, error) {
	streamId, release := db.streamIds.ReserveNext()

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if err := db.insertLocalMessages(tx, streamId, local); err != nil {
			return err
		}
		queuedTs := time.Now().UnixMilli()
		for destination, edu := range remote {
			if _, err := tx.Exec(sqlInsertOutboxEntry, destination, streamId, queuedTs, edu); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		release()
		return 0, err
	}

	// Mark after commit but before the stream id is released: a reader
	// that sees the new token must also see the change markers, or the
	// unchanged fast path would skip the rows committed at it.
	for userId := range local {
		db.inboxChanges.MarkChanged(userId, streamId)
	}
	for destination := range remote {
		db.outboxChanges.MarkChanged(destination, streamId)
	}
	release()

	return db.streamIds.Current(), nil
}

// AddMessagesFromRemote applies an inbound federation batch to local
// inboxes. The (origin, message id) pair is checked and recorded in the
// same transaction as the fan-out, so a redelivered batch is applied at
// most once. The origin retries whenever our acknowledgement got lost, a
// duplicate is expected traffic and not an error.
func (db *DB) AddMessagesFromRemote(origin, messageId string, local map[string]map[string]string) error {
	streamId, release := db.streamIds.ReserveNext()

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow(sqlSelectInboxRecord, origin, messageId).Scan(&existing)
		if err == nil {
			// Already applied, nothing further to write
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		if _, err := tx.Exec(sqlInsertInboxRecord, origin, messageId, time.Now().UnixMilli()); err != nil {
			return err
		}
		return db.insertLocalMessages(tx, streamId, local)
	})
	if err != nil {
		release()
		return err
	}

	// Same ordering as AddMessages, change markers land before the token
	for userId := range local {
		db.inboxChanges.MarkChanged(userId, streamId)
	}
	release()
	return nil
}

// insertLocalMessages fans a batch out to the device inboxes at the given
// stream id. Device existence is checked on the same transaction; unknown
// devices are dropped without error.
func (db *DB) insertLocalMessages(tx *sql.Tx, streamId int64, local map[string]map[string]string) error {
	for userId, byDevice := range local {
		if len(byDevice) == 0 {
			continue
		}

		candidates := make([]string, 0, len(byDevice))
		for deviceId := range byDevice {
			candidates = append(candidates, deviceId)
		}
		existing, err := db.devicesExisting(tx, userId, candidates)
		if err != nil {
			return err
		}

		for deviceId, payload := range byDevice {
			if !existing[deviceId] {
				continue
			}
			if _, err := tx.Exec(sqlInsertInboxMessage, userId, deviceId, streamId, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadNewMessagesForDevice returns up to limit payloads for the device in
// (lastStreamId, currentStreamId], plus the stream position to resume
// from. A full page resumes from the last returned row; a short page means
// the device drained the window, so the cursor jumps to currentStreamId
// even when no row sits exactly there.
func (db *DB) ReadNewMessagesForDevice(userId, deviceId string, lastStreamId, currentStreamId int64, limit int) (error, []string, int64) {
	if !db.inboxChanges.HasChangedSince(userId, lastStreamId) {
		return nil, nil, currentStreamId
	}

	rows, err := db.db.Query(sqlSelectNewMessages, userId, deviceId, lastStreamId, currentStreamId, limit)
	if err != nil {
		return err, nil, 0
	}
	defer rows.Close()

	var messages []string
	streamPos := lastStreamId
	for rows.Next() {
		var payload string
		if err := rows.Scan(&streamPos, &payload); err != nil {
			return err, messages, 0
		}
		messages = append(messages, payload)
	}
	if err = rows.Err(); err != nil {
		return err, messages, 0
	}

	if len(messages) < limit {
		streamPos = currentStreamId
	}
	return nil, messages, streamPos
}

// ReadNewMessagesForRemote is the outbox counterpart of
// ReadNewMessagesForDevice: the queued EDUs for one destination with the
// same resume-position rule.
func (db *DB) ReadNewMessagesForRemote(destination string, lastStreamId, currentStreamId int64, limit int) (error, []domain.OutboxEntry, int64) {
	if !db.outboxChanges.HasChangedSince(destination, lastStreamId) {
		return nil, nil, currentStreamId
	}

	rows, err := db.db.Query(sqlSelectNewOutbox, destination, lastStreamId, currentStreamId, limit)
	if err != nil {
		return err, nil, 0
	}
	defer rows.Close()

	var entries []domain.OutboxEntry
	streamPos := lastStreamId
	for rows.Next() {
		var entry domain.OutboxEntry
		var queuedTs int64
		if err := rows.Scan(&entry.Destination, &entry.StreamId, &queuedTs, &entry.Payload); err != nil {
			return err, entries, 0
		}
		entry.QueuedAt = time.UnixMilli(queuedTs)
		streamPos = entry.StreamId
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return err, entries, 0
	}

	if len(entries) < limit {
		streamPos = currentStreamId
	}
	return nil, entries, streamPos
}

// ReadAllNewMessages returns every inbox row in (lastStreamId,
// currentStreamId] across all devices, for stream replication. The limit
// caps distinct stream ids, not rows: a batch that fanned out to many
// devices is never split across a page, so the row count may exceed limit.
func (db *DB) ReadAllNewMessages(lastStreamId, currentStreamId int64, limit int) (error, []domain.DeviceMessage) {
	if lastStreamId == currentStreamId {
		return nil, nil
	}

	rows, err := db.db.Query(sqlSelectNewStreamIds, lastStreamId, currentStreamId, limit)
	if err != nil {
		return err, nil
	}

	var streamIds []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err, nil
		}
		streamIds = append(streamIds, id)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return err, nil
	}
	rows.Close()

	if len(streamIds) == 0 {
		return nil, nil
	}
	maxStreamId := streamIds[len(streamIds)-1]

	rows, err = db.db.Query(sqlSelectAllNewMessages, lastStreamId, maxStreamId)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var messages []domain.DeviceMessage
	for rows.Next() {
		var message domain.DeviceMessage
		if err := rows.Scan(&message.StreamId, &message.UserId, &message.DeviceId, &message.Payload); err != nil {
			return err, messages
		}
		messages = append(messages, message)
	}
	if err = rows.Err(); err != nil {
		return err, messages
	}
	return nil, messages
}

// DeleteMessagesForDevice trims acknowledged messages for a device up to
// and including the given stream id.
func (db *DB) DeleteMessagesForDevice(userId, deviceId string, upToStreamId int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteInboxUpTo, userId, deviceId, upToStreamId)
		return err
	})
}

// DeleteMessagesForRemote trims the outbox for a destination once it has
// acknowledged receipt up to the given stream id.
func (db *DB) DeleteMessagesForRemote(destination string, upToStreamId int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteOutboxUpTo, destination, upToStreamId)
		return err
	})
}
