package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
)

// Destination and remote server queries
const (
	sqlUpsertDestinationSuccess = `INSERT INTO destinations(destination, last_stream_id, failure_count, retry_at, last_error)
                                                            VALUES (?, ?, 0, NULL, '')
                                                            ON CONFLICT(destination) DO UPDATE SET
                                                                last_stream_id = excluded.last_stream_id,
                                                                failure_count = 0,
                                                                retry_at = NULL,
                                                                last_error = ''`
	sqlUpsertDestinationFailure = `INSERT INTO destinations(destination, last_stream_id, failure_count, retry_at, last_error)
                                                            VALUES (?, 0, 1, ?, ?)
                                                            ON CONFLICT(destination) DO UPDATE SET
                                                                failure_count = destinations.failure_count + 1,
                                                                retry_at = excluded.retry_at,
                                                                last_error = excluded.last_error`
	sqlSelectDestination = `SELECT destination, last_stream_id, failure_count, retry_at, last_error FROM destinations WHERE destination = ?`

	sqlSelectPendingDestinations = `SELECT DISTINCT o.destination FROM device_federation_outbox o
                                                            LEFT JOIN destinations d ON d.destination = o.destination
                                                            WHERE o.stream_id > COALESCE(d.last_stream_id, 0)
                                                            AND (d.retry_at IS NULL OR d.retry_at <= ?)
                                                            ORDER BY o.destination ASC`

	sqlSelectFailingDestinations = `SELECT destination, last_stream_id, failure_count, retry_at, last_error FROM destinations
                                                            WHERE failure_count > 0
                                                            ORDER BY retry_at ASC
                                                            LIMIT ?`

	sqlSelectOutboxStats = `SELECT o.destination, COUNT(*), MIN(o.stream_id), MAX(o.stream_id),
                                                                COALESCE(d.failure_count, 0), d.retry_at
                                                            FROM device_federation_outbox o
                                                            LEFT JOIN destinations d ON d.destination = o.destination
                                                            GROUP BY o.destination
                                                            ORDER BY o.destination ASC`

	sqlSelectQueueTotals = `SELECT
                                                            (SELECT COUNT(*) FROM device_inbox),
                                                            (SELECT COUNT(*) FROM device_federation_outbox),
                                                            (SELECT COUNT(*) FROM device_federation_inbox)`

	sqlInsertRemoteServer = `INSERT INTO remote_servers(server_name, key_uri, public_key_pem, fetched_at) VALUES (?, ?, ?, ?)`
	sqlUpdateRemoteServer = `UPDATE remote_servers SET key_uri = ?, public_key_pem = ?, fetched_at = ? WHERE server_name = ?`
	sqlSelectRemoteServer = `SELECT server_name, key_uri, public_key_pem, fetched_at FROM remote_servers WHERE server_name = ?`
)

// MarkDestinationSuccess advances the delivery cursor for a destination and
// clears its failure state.
func (db *DB) MarkDestinationSuccess(destination string, lastStreamId int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertDestinationSuccess, destination, lastStreamId)
		return err
	})
}

// MarkDestinationFailure bumps the failure count and schedules the next
// attempt. The delivery cursor stays where it was.
func (db *DB) MarkDestinationFailure(destination string, retryAt time.Time, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertDestinationFailure, destination, retryAt, lastError)
		return err
	})
}

func (db *DB) ReadDestination(destination string) (error, *domain.Destination) {
	row := db.db.QueryRow(sqlSelectDestination, destination)
	var dest domain.Destination
	var retryAt sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&dest.Name, &dest.LastStreamId, &dest.FailureCount, &retryAt, &lastError)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	if retryAt.Valid {
		dest.RetryAt = &retryAt.Time
	}
	dest.LastError = lastError.String
	return nil, &dest
}

// ReadPendingDestinations lists destinations that have queued entries past
// their cursor and are not in a backoff window.
func (db *DB) ReadPendingDestinations(now time.Time) (error, *[]string) {
	rows, err := db.db.Query(sqlSelectPendingDestinations, now)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var destinations []string
	for rows.Next() {
		var destination string
		if err := rows.Scan(&destination); err != nil {
			return err, &destinations
		}
		destinations = append(destinations, destination)
	}
	if err = rows.Err(); err != nil {
		return err, &destinations
	}
	return nil, &destinations
}

func (db *DB) ReadFailingDestinations(limit int) (error, *[]domain.Destination) {
	rows, err := db.db.Query(sqlSelectFailingDestinations, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var destinations []domain.Destination
	for rows.Next() {
		var dest domain.Destination
		var retryAt sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(&dest.Name, &dest.LastStreamId, &dest.FailureCount, &retryAt, &lastError); err != nil {
			return err, &destinations
		}
		if retryAt.Valid {
			dest.RetryAt = &retryAt.Time
		}
		dest.LastError = lastError.String
		destinations = append(destinations, dest)
	}
	if err = rows.Err(); err != nil {
		return err, &destinations
	}
	return nil, &destinations
}

// ReadOutboxStats returns the per-destination queue overview for the ops
// console.
func (db *DB) ReadOutboxStats() (error, *[]domain.OutboxStat) {
	rows, err := db.db.Query(sqlSelectOutboxStats)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var stats []domain.OutboxStat
	for rows.Next() {
		var stat domain.OutboxStat
		var retryAt sql.NullTime
		if err := rows.Scan(&stat.Destination, &stat.Pending, &stat.MinStreamId, &stat.MaxStreamId, &stat.FailureCount, &retryAt); err != nil {
			return err, &stats
		}
		if retryAt.Valid {
			stat.RetryAt = &retryAt.Time
		}
		stats = append(stats, stat)
	}
	if err = rows.Err(); err != nil {
		return err, &stats
	}
	return nil, &stats
}

func (db *DB) ReadQueueTotals() (error, *domain.QueueTotals) {
	row := db.db.QueryRow(sqlSelectQueueTotals)
	var totals domain.QueueTotals
	if err := row.Scan(&totals.InboxMessages, &totals.OutboxEntries, &totals.InboxRecords); err != nil {
		return err, nil
	}
	totals.StreamId = db.streamIds.Current()
	return nil, &totals
}

func (db *DB) CreateRemoteServer(server *domain.RemoteServer) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteServer,
			server.ServerName,
			server.KeyURI,
			server.PublicKeyPem,
			server.FetchedAt,
		)
		return err
	})
}

func (db *DB) UpdateRemoteServer(server *domain.RemoteServer) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteServer,
			server.KeyURI,
			server.PublicKeyPem,
			server.FetchedAt,
			server.ServerName,
		)
		return err
	})
}

func (db *DB) ReadRemoteServerByName(serverName string) (error, *domain.RemoteServer) {
	row := db.db.QueryRow(sqlSelectRemoteServer, serverName)
	var server domain.RemoteServer
	var keyURI sql.NullString
	err := row.Scan(&server.ServerName, &keyURI, &server.PublicKeyPem, &server.FetchedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	server.KeyURI = keyURI.String
	return nil, &server
}
