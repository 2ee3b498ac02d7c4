package db

import (
	"database/sql"
	"log"
)

// SQL for the federation tables
const (
	// Per-destination relay queue. One row per destination per batch, the
	// payload is the complete EDU to hand to the remote server.
	sqlCreateFederationOutboxTable = `CREATE TABLE IF NOT EXISTS device_federation_outbox (
		destination varchar(255) NOT NULL,
		stream_id bigint NOT NULL,
		queued_ts bigint NOT NULL,
		messages_json text NOT NULL
	)`

	// Dedup tombstones for inbound federation batches. Append-only.
	sqlCreateFederationInboxTable = `CREATE TABLE IF NOT EXISTS device_federation_inbox (
		origin varchar(255) NOT NULL,
		message_id varchar(255) NOT NULL,
		received_ts bigint NOT NULL,
		UNIQUE(origin, message_id)
	)`

	// Delivery cursor and retry bookkeeping per remote server
	sqlCreateDestinationsTable = `CREATE TABLE IF NOT EXISTS destinations (
		destination varchar(255) NOT NULL PRIMARY KEY,
		last_stream_id bigint DEFAULT 0,
		failure_count int DEFAULT 0,
		retry_at timestamp,
		last_error text
	)`

	// Cached signing keys of remote servers
	sqlCreateRemoteServersTable = `CREATE TABLE IF NOT EXISTS remote_servers (
		server_name varchar(255) NOT NULL PRIMARY KEY,
		key_uri varchar(500),
		public_key_pem text NOT NULL,
		fetched_at timestamp default current_timestamp
	)`

	sqlCreateDeviceInboxIndices = `
		CREATE INDEX IF NOT EXISTS idx_device_inbox_user_device_stream ON device_inbox(user_id, device_id, stream_id);
		CREATE INDEX IF NOT EXISTS idx_device_inbox_stream ON device_inbox(stream_id);
	`

	sqlCreateFederationOutboxIndices = `
		CREATE INDEX IF NOT EXISTS idx_federation_outbox_dest_stream ON device_federation_outbox(destination, stream_id);
		CREATE INDEX IF NOT EXISTS idx_federation_outbox_stream ON device_federation_outbox(stream_id);
	`

	sqlCreateFederationInboxIndices = `
		CREATE INDEX IF NOT EXISTS idx_federation_inbox_origin_mid ON device_federation_inbox(origin, message_id);
	`
)

// RunFederationMigrations creates the federation tables and indices.
func (db *DB) RunFederationMigrations() error {
	log.Println("Running federation migrations...")
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if err := db.createTableIfNotExists(tx, sqlCreateFederationOutboxTable, "device_federation_outbox"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateFederationInboxTable, "device_federation_inbox"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateDestinationsTable, "destinations"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateRemoteServersTable, "remote_servers"); err != nil {
			return err
		}

		// Create indices
		if _, err := tx.Exec(sqlCreateDeviceInboxIndices); err != nil {
			log.Printf("Warning: Failed to create device_inbox indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateFederationOutboxIndices); err != nil {
			log.Printf("Warning: Failed to create federation outbox indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateFederationInboxIndices); err != nil {
			log.Printf("Warning: Failed to create federation inbox indices: %v", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	// Re-seed the stream position now that the outbox table exists
	return db.initStreams()
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	log.Printf("Table %s created or already exists", tableName)
	return nil
}
