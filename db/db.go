package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/stream"
	"log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
	"time"
)

// DB is the database struct. It also owns the stream id generator and the
// change-notification caches, which are seeded from the persisted stream
// high-water mark at startup.
type DB struct {
	db            *sql.DB
	streamIds     *stream.IdGenerator
	inboxChanges  *stream.ChangeCache
	outboxChanges *stream.ChangeCache
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const changeCacheSize = 10000

const (
	// Device directory
	sqlCreateDevicesTable = `CREATE TABLE IF NOT EXISTS devices(
                        user_id varchar(255) NOT NULL,
                        device_id varchar(255) NOT NULL,
                        display_name varchar(255),
                        created_at timestamp default current_timestamp,
                        PRIMARY KEY(user_id, device_id)
                        )`
	sqlInsertDevice          = `INSERT INTO devices(user_id, device_id, display_name, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteDevice          = `DELETE FROM devices WHERE user_id = ? AND device_id = ?`
	sqlSelectDevicesByUserId = `SELECT user_id, device_id, display_name, created_at FROM devices WHERE user_id = ? ORDER BY device_id ASC`
	sqlSelectDevicesIn       = `SELECT device_id FROM devices WHERE user_id = ? AND device_id IN (%s)`

	// Local inboxes
	sqlCreateDeviceInboxTable = `CREATE TABLE IF NOT EXISTS device_inbox(
                        user_id varchar(255) NOT NULL,
                        device_id varchar(255) NOT NULL,
                        stream_id bigint NOT NULL,
                        message_json text NOT NULL
                        )`
)

func (db *DB) CreateDevice(userId, deviceId, displayName string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDevice, userId, deviceId, displayName, time.Now())
		return err
	})
}

// DeleteDevice removes a device and any messages still queued for it. A
// deleted device can no longer receive to-device messages.
func (db *DB) DeleteDevice(userId, deviceId string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteDevice, userId, deviceId); err != nil {
			return err
		}
		_, err := tx.Exec(sqlDeleteInboxUpTo, userId, deviceId, db.streamIds.Current())
		return err
	})
}

func (db *DB) ReadDevicesByUserId(userId string) (error, *[]domain.Device) {
	rows, err := db.db.Query(sqlSelectDevicesByUserId, userId)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var devices []domain.Device

	for rows.Next() {
		var device domain.Device
		var displayName sql.NullString
		if err := rows.Scan(&device.UserId, &device.DeviceId, &displayName, &device.CreatedAt); err != nil {
			return err, &devices
		}
		device.DisplayName = displayName.String
		devices = append(devices, device)
	}
	if err = rows.Err(); err != nil {
		return err, &devices
	}

	return nil, &devices
}

// devicesExisting returns which of the candidate device ids currently exist
// for the user. It runs on the caller's transaction so the answer stays
// consistent with the inserts that follow it.
func (db *DB) devicesExisting(tx *sql.Tx, userId string, deviceIds []string) (map[string]bool, error) {
	if len(deviceIds) == 0 {
		return map[string]bool{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deviceIds)), ",")
	query := fmt.Sprintf(sqlSelectDevicesIn, placeholders)

	args := make([]interface{}, 0, len(deviceIds)+1)
	args = append(args, userId)
	for _, deviceId := range deviceIds {
		args = append(args, deviceId)
	}

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]bool, len(deviceIds))
	for rows.Next() {
		var deviceId string
		if err := rows.Scan(&deviceId); err != nil {
			return nil, err
		}
		existing[deviceId] = true
	}
	return existing, rows.Err()
}

func GetDB() *DB {
	dbOnce.Do(func() {
		// Open database connection
		sqlDB, err := sql.Open("sqlite", "mammut.db")
		if err != nil {
			panic(err)
		}

		// Configure connection pool for concurrent access
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		// Try to enable WAL2 mode, fall back to WAL if not supported
		var journalMode string
		err = sqlDB.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
		if err != nil || journalMode == "delete" {
			// WAL2 not supported, try regular WAL
			err = sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
			if err != nil {
				log.Printf("Warning: Failed to enable WAL mode: %v", err)
			} else {
				log.Printf("Database journal mode: %s (WAL2 not supported, using WAL)", journalMode)
			}
		} else {
			log.Printf("Database journal mode: %s", journalMode)
		}

		// PRAGMAs for the concurrent send/poll workload
		sqlDB.Exec("PRAGMA synchronous = NORMAL")
		sqlDB.Exec("PRAGMA cache_size = -64000")
		sqlDB.Exec("PRAGMA temp_store = MEMORY")
		sqlDB.Exec("PRAGMA busy_timeout = 5000")
		sqlDB.Exec("PRAGMA foreign_keys = ON")
		sqlDB.Exec("PRAGMA auto_vacuum = INCREMENTAL")

		log.Printf("Database initialized with connection pooling (max 25 connections)")

		dbInstance = &DB{db: sqlDB}

		// Run initial schema setup
		if err := dbInstance.CreateDB(); err != nil {
			panic(err)
		}
		if err := dbInstance.initStreams(); err != nil {
			panic(err)
		}
	})

	return dbInstance
}

// CreateDB creates the base tables.
func (db *DB) CreateDB() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlCreateDevicesTable); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlCreateDeviceInboxTable); err != nil {
			return err
		}
		return nil
	})
}

// initStreams seeds the stream id generator and the change caches from the
// highest stream id ever written. Must run after the tables exist.
func (db *DB) initStreams() error {
	var current int64
	row := db.db.QueryRow(`SELECT COALESCE(MAX(stream_id), 0) FROM (
		SELECT stream_id FROM device_inbox
		UNION ALL
		SELECT stream_id FROM device_federation_outbox
	)`)
	if err := row.Scan(&current); err != nil {
		// The outbox table only exists after the federation migrations;
		// fall back to the inbox alone.
		row = db.db.QueryRow(`SELECT COALESCE(MAX(stream_id), 0) FROM device_inbox`)
		if err := row.Scan(&current); err != nil {
			return err
		}
	}

	db.streamIds = stream.NewIdGenerator(current)
	db.inboxChanges = stream.NewChangeCache(current, changeCacheSize)
	db.outboxChanges = stream.NewChangeCache(current, changeCacheSize)
	log.Printf("Stream position seeded at %d", current)
	return nil
}

// CurrentStreamId returns the caller-visible stream token: all writes at or
// below it are committed.
func (db *DB) CurrentStreamId() int64 {
	return db.streamIds.Current()
}

// wrapTransaction runs the given function within a transaction. A busy
// database rolls the attempt back and retries on a fresh transaction, so
// statements that ran before the busy error are never applied twice.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	for {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			log.Printf("error starting transaction: %s", err)
			return err
		}
		err = f(tx)
		if err != nil {
			tx.Rollback()
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			log.Printf("error in transaction: %s", err)
			return err
		}
		err = tx.Commit()
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			log.Printf("error committing transaction: %s", err)
			return err
		}
		return nil
	}
}
