package db

import (
	"fmt"
	"runtime"
	"testing"
	"time"
)

func TestAddAndReadMessages(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	local := map[string]map[string]string{
		"alice@example.org": {"phone": `{"body":"hello"}`},
	}
	streamId, err := db.AddMessages(local, nil)
	if err != nil {
		t.Fatalf("Failed to queue messages: %v", err)
	}
	if streamId != 1 {
		t.Errorf("Expected stream token 1 for the first batch, got %d", streamId)
	}

	err, messages, next := db.ReadNewMessagesForDevice("alice@example.org", "phone", 0, streamId, 100)
	if err != nil {
		t.Fatalf("Failed to read messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}
	if messages[0] != `{"body":"hello"}` {
		t.Errorf("Expected payload passed through verbatim, got %s", messages[0])
	}
	if next != streamId {
		t.Errorf("Expected resume position %d, got %d", streamId, next)
	}
}

func TestAddMessagesFansOutPerDevice(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")
	createTestDevice(t, db, "alice@example.org", "laptop")

	local := map[string]map[string]string{
		"alice@example.org": {
			"phone":  `{"to":"phone"}`,
			"laptop": `{"to":"laptop"}`,
		},
	}
	streamId, err := db.AddMessages(local, nil)
	if err != nil {
		t.Fatalf("Failed to queue messages: %v", err)
	}

	for _, deviceId := range []string{"phone", "laptop"} {
		err, messages, _ := db.ReadNewMessagesForDevice("alice@example.org", deviceId, 0, streamId, 100)
		if err != nil {
			t.Fatalf("Failed to read messages for %s: %v", deviceId, err)
		}
		if len(messages) != 1 {
			t.Errorf("Expected 1 message for %s, got %d", deviceId, len(messages))
		}
	}
}

func TestAddMessagesDropsUnknownDevices(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	local := map[string]map[string]string{
		"alice@example.org": {
			"phone": `{"body":"real"}`,
			"ghost": `{"body":"dropped"}`,
		},
		"nobody@example.org": {
			"anything": `{"body":"dropped"}`,
		},
	}
	streamId, err := db.AddMessages(local, nil)
	if err != nil {
		t.Fatalf("Expected unknown devices to be dropped silently, got %v", err)
	}

	var count int
	row := db.db.QueryRow(`SELECT COUNT(*) FROM device_inbox`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to count inbox rows: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected only the real device's row, got %d rows", count)
	}

	err, messages, _ := db.ReadNewMessagesForDevice("alice@example.org", "ghost", 0, streamId, 100)
	if err != nil {
		t.Fatalf("Failed to read messages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected no messages for unknown device, got %d", len(messages))
	}
}

func TestEmptyBatchStillAdvancesStream(t *testing.T) {
	db := setupTestDB(t)

	streamId, err := db.AddMessages(nil, nil)
	if err != nil {
		t.Fatalf("Failed to queue empty batch: %v", err)
	}
	if streamId != 1 {
		t.Errorf("Expected empty batch to spend stream id 1, got %d", streamId)
	}
	if current := db.CurrentStreamId(); current != 1 {
		t.Errorf("Expected current stream token 1, got %d", current)
	}
}

func TestAddMessagesQueuesOutboxPerDestination(t *testing.T) {
	db := setupTestDB(t)

	remote := map[string]string{
		"one.example.org": `{"edu":"one"}`,
		"two.example.org": `{"edu":"two"}`,
	}
	streamId, err := db.AddMessages(nil, remote)
	if err != nil {
		t.Fatalf("Failed to queue remote batch: %v", err)
	}

	err, entries, next := db.ReadNewMessagesForRemote("one.example.org", 0, streamId, 100)
	if err != nil {
		t.Fatalf("Failed to read outbox: %v", err)
	}
	if len(entries) != 1 || entries[0].Payload != `{"edu":"one"}` {
		t.Fatalf("Expected the queued EDU for one.example.org, got %v", entries)
	}
	if entries[0].Destination != "one.example.org" || entries[0].StreamId != streamId {
		t.Errorf("Expected entry at stream id %d for one.example.org, got %+v", streamId, entries[0])
	}
	if entries[0].QueuedAt.IsZero() {
		t.Errorf("Expected a queued timestamp, got zero")
	}
	if next != streamId {
		t.Errorf("Expected resume position %d, got %d", streamId, next)
	}
}

func TestAddMessagesFromRemoteIsIdempotent(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	local := map[string]map[string]string{
		"alice@example.org": {"phone": `{"body":"from remote"}`},
	}

	if err := db.AddMessagesFromRemote("remote.example.org", "msg-1", local); err != nil {
		t.Fatalf("Failed to ingest remote batch: %v", err)
	}
	// Redelivery of the same (origin, message id) is a silent no-op
	if err := db.AddMessagesFromRemote("remote.example.org", "msg-1", local); err != nil {
		t.Fatalf("Expected duplicate ingestion to succeed silently, got %v", err)
	}

	err, messages, _ := db.ReadNewMessagesForDevice("alice@example.org", "phone", 0, db.CurrentStreamId(), 100)
	if err != nil {
		t.Fatalf("Failed to read messages: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("Expected the batch applied exactly once, got %d messages", len(messages))
	}

	// A different message id from the same origin is a fresh batch
	if err := db.AddMessagesFromRemote("remote.example.org", "msg-2", local); err != nil {
		t.Fatalf("Failed to ingest second batch: %v", err)
	}
	err, messages, _ = db.ReadNewMessagesForDevice("alice@example.org", "phone", 0, db.CurrentStreamId(), 100)
	if err != nil {
		t.Fatalf("Failed to read messages: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("Expected 2 messages after a distinct batch, got %d", len(messages))
	}
}

func TestReadNewMessagesFullPageResumesAtLastRow(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	local := map[string]map[string]string{
		"alice@example.org": {"phone": ""},
	}
	for i := 0; i < 150; i++ {
		local["alice@example.org"]["phone"] = fmt.Sprintf(`{"n":%d}`, i)
		if _, err := db.AddMessages(local, nil); err != nil {
			t.Fatalf("Failed to queue message %d: %v", i, err)
		}
	}
	current := db.CurrentStreamId()

	// Full page: the cursor stops at the last returned row, not at current
	err, messages, next := db.ReadNewMessagesForDevice("alice@example.org", "phone", 0, current, 100)
	if err != nil {
		t.Fatalf("Failed to read first page: %v", err)
	}
	if len(messages) != 100 {
		t.Fatalf("Expected a full page of 100, got %d", len(messages))
	}
	if next != 100 {
		t.Errorf("Expected full page to resume from row 100, got %d", next)
	}

	// Short page: the cursor jumps to the caller's current position
	err, messages, next = db.ReadNewMessagesForDevice("alice@example.org", "phone", next, current, 100)
	if err != nil {
		t.Fatalf("Failed to read second page: %v", err)
	}
	if len(messages) != 50 {
		t.Fatalf("Expected the remaining 50, got %d", len(messages))
	}
	if next != current {
		t.Errorf("Expected short page to resume from %d, got %d", current, next)
	}
}

func TestReadNewMessagesPagingDrainsCompletely(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	const total = 25
	for i := 0; i < total; i++ {
		local := map[string]map[string]string{
			"alice@example.org": {"phone": fmt.Sprintf(`{"n":%d}`, i)},
		}
		if _, err := db.AddMessages(local, nil); err != nil {
			t.Fatalf("Failed to queue message %d: %v", i, err)
		}
	}
	current := db.CurrentStreamId()

	var drained []string
	cursor := int64(0)
	for cursor < current {
		err, messages, next := db.ReadNewMessagesForDevice("alice@example.org", "phone", cursor, current, 10)
		if err != nil {
			t.Fatalf("Failed to read page at cursor %d: %v", cursor, err)
		}
		drained = append(drained, messages...)
		cursor = next
	}

	if len(drained) != total {
		t.Fatalf("Expected to drain all %d messages, got %d", total, len(drained))
	}
	for i, payload := range drained {
		expected := fmt.Sprintf(`{"n":%d}`, i)
		if payload != expected {
			t.Errorf("Expected message %d to be %s, got %s", i, expected, payload)
		}
	}
}

func TestReadNewMessagesSkipsQueryWhenUnchanged(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	local := map[string]map[string]string{
		"alice@example.org": {"phone": `{"body":"hi"}`},
	}
	streamId, err := db.AddMessages(local, nil)
	if err != nil {
		t.Fatalf("Failed to queue message: %v", err)
	}

	// Bob never received anything inside the cache window, the fast path
	// answers without touching the table and forwards the cursor.
	err, messages, next := db.ReadNewMessagesForDevice("bob@example.org", "tablet", streamId, streamId, 100)
	if err != nil {
		t.Fatalf("Failed fast-path read: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected no messages for untouched device, got %d", len(messages))
	}
	if next != streamId {
		t.Errorf("Expected cursor forwarded to %d, got %d", streamId, next)
	}
}

func TestReadAllNewMessagesLimitsPositionsNotRows(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")
	createTestDevice(t, db, "alice@example.org", "laptop")
	createTestDevice(t, db, "alice@example.org", "tablet")

	// Each batch fans out to three devices: three rows per stream position
	for i := 0; i < 4; i++ {
		local := map[string]map[string]string{
			"alice@example.org": {
				"phone":  fmt.Sprintf(`{"n":%d}`, i),
				"laptop": fmt.Sprintf(`{"n":%d}`, i),
				"tablet": fmt.Sprintf(`{"n":%d}`, i),
			},
		}
		if _, err := db.AddMessages(local, nil); err != nil {
			t.Fatalf("Failed to queue batch %d: %v", i, err)
		}
	}
	current := db.CurrentStreamId()

	// Limit 2 selects 2 stream positions but all 6 of their rows: a batch
	// is never split across a page.
	err, rows := db.ReadAllNewMessages(0, current, 2)
	if err != nil {
		t.Fatalf("Failed to read replication rows: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("Expected 6 rows for 2 positions of 3 devices, got %d", len(rows))
	}
	for _, row := range rows {
		if row.StreamId > 2 {
			t.Errorf("Expected only positions 1 and 2, got row at %d", row.StreamId)
		}
	}
}

func TestReadAllNewMessagesEmptyWhenCaughtUp(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")
	local := map[string]map[string]string{
		"alice@example.org": {"phone": `{"body":"hi"}`},
	}
	if _, err := db.AddMessages(local, nil); err != nil {
		t.Fatalf("Failed to queue message: %v", err)
	}
	current := db.CurrentStreamId()

	err, rows := db.ReadAllNewMessages(current, current, 100)
	if err != nil {
		t.Fatalf("Failed caught-up read: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected no rows when caught up, got %d", len(rows))
	}
}

func TestDeleteMessagesForDevice(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	for i := 0; i < 5; i++ {
		local := map[string]map[string]string{
			"alice@example.org": {"phone": fmt.Sprintf(`{"n":%d}`, i)},
		}
		if _, err := db.AddMessages(local, nil); err != nil {
			t.Fatalf("Failed to queue message %d: %v", i, err)
		}
	}
	current := db.CurrentStreamId()

	if err := db.DeleteMessagesForDevice("alice@example.org", "phone", 3); err != nil {
		t.Fatalf("Failed to trim inbox: %v", err)
	}

	err, messages, _ := db.ReadNewMessagesForDevice("alice@example.org", "phone", 0, current, 100)
	if err != nil {
		t.Fatalf("Failed to read after trim: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("Expected 2 messages above the trim point, got %d", len(messages))
	}
}

func TestDeleteMessagesForRemote(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		remote := map[string]string{"remote.example.org": fmt.Sprintf(`{"edu":%d}`, i)}
		if _, err := db.AddMessages(nil, remote); err != nil {
			t.Fatalf("Failed to queue EDU %d: %v", i, err)
		}
	}
	current := db.CurrentStreamId()

	if err := db.DeleteMessagesForRemote("remote.example.org", 2); err != nil {
		t.Fatalf("Failed to trim outbox: %v", err)
	}

	err, entries, _ := db.ReadNewMessagesForRemote("remote.example.org", 0, current, 100)
	if err != nil {
		t.Fatalf("Failed to read outbox after trim: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 EDU above the trim point, got %d", len(entries))
	}
}

// A reader that observes an advanced stream token must also find the rows
// committed at it. The change markers land before the token is released,
// otherwise the unchanged fast path could hand back an empty page and a
// cursor past a committed message.
func TestReadSeesMessageOnceTokenAdvances(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	for i := 0; i < 25; i++ {
		since := db.CurrentStreamId()
		done := make(chan error, 1)
		go func() {
			_, err := db.AddMessages(map[string]map[string]string{
				"alice@example.org": {"phone": fmt.Sprintf(`{"round":%d}`, i)},
			}, nil)
			done <- err
		}()

		deadline := time.Now().Add(5 * time.Second)
		for db.CurrentStreamId() <= since {
			if time.Now().After(deadline) {
				t.Fatal("Stream token never advanced")
			}
			runtime.Gosched()
		}

		current := db.CurrentStreamId()
		err, messages, next := db.ReadNewMessagesForDevice("alice@example.org", "phone", since, current, 100)
		if err != nil {
			t.Fatalf("Round %d: failed to read messages: %v", i, err)
		}
		if len(messages) != 1 {
			t.Fatalf("Round %d: message committed at stream id %d not returned, cursor moved to %d", i, current, next)
		}
		if err := <-done; err != nil {
			t.Fatalf("Round %d: failed to queue message: %v", i, err)
		}
	}
}

// Same visibility rule for inbound federation batches.
func TestRemoteIngestVisibleOnceTokenAdvances(t *testing.T) {
	db := setupTestDB(t)

	createTestDevice(t, db, "alice@example.org", "phone")

	for i := 0; i < 25; i++ {
		since := db.CurrentStreamId()
		done := make(chan error, 1)
		go func() {
			done <- db.AddMessagesFromRemote("remote.example.org", fmt.Sprintf("msg-%d", i), map[string]map[string]string{
				"alice@example.org": {"phone": `{"body":"from remote"}`},
			})
		}()

		deadline := time.Now().Add(5 * time.Second)
		for db.CurrentStreamId() <= since {
			if time.Now().After(deadline) {
				t.Fatal("Stream token never advanced")
			}
			runtime.Gosched()
		}

		current := db.CurrentStreamId()
		err, messages, next := db.ReadNewMessagesForDevice("alice@example.org", "phone", since, current, 100)
		if err != nil {
			t.Fatalf("Round %d: failed to read messages: %v", i, err)
		}
		if len(messages) != 1 {
			t.Fatalf("Round %d: batch committed at stream id %d not returned, cursor moved to %d", i, current, next)
		}
		if err := <-done; err != nil {
			t.Fatalf("Round %d: failed to ingest batch: %v", i, err)
		}
	}
}
