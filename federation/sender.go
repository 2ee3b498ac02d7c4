package federation

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
)

// How many outbox entries are relayed per destination per pass
const senderBatchSize = 50

// StartSender starts a background worker that drains the federation
// outbox towards remote servers.
func StartSender(conf *util.AppConfig) {
	log.Println("Starting federation sender...")

	ticker := time.NewTicker(time.Duration(conf.Conf.SendIntervalSec) * time.Second)
	go func() {
		for range ticker.C {
			processOutbox(conf)
		}
	}()
}

// processOutbox relays queued entries for every destination that has
// pending work and is not in a backoff window.
func processOutbox(conf *util.AppConfig) {
	database := db.GetDB()

	err, destinations := database.ReadPendingDestinations(time.Now())
	if err != nil {
		log.Printf("Sender: Failed to read pending destinations: %v", err)
		return
	}
	if destinations == nil || len(*destinations) == 0 {
		return
	}

	log.Printf("Sender: Processing %d destinations", len(*destinations))

	for _, destination := range *destinations {
		if err := sendToDestination(destination, conf); err != nil {
			err2, dest := database.ReadDestination(destination)
			failureCount := 1
			if err2 == nil && dest != nil {
				failureCount = dest.FailureCount + 1
			}
			retryAt := time.Now().Add(nextRetryDelay(failureCount))
			log.Printf("Sender: Delivery to %s failed (attempt %d), retry at %s: %v",
				destination, failureCount, retryAt.Format(time.RFC3339), err)
			if err := database.MarkDestinationFailure(destination, retryAt, err.Error()); err != nil {
				log.Printf("Sender: Failed to record failure for %s: %v", destination, err)
			}
		}
	}
}

// nextRetryDelay returns the backoff before the given attempt number.
func nextRetryDelay(failureCount int) time.Duration {
	backoffMinutes := []int{1, 5, 15, 60, 240, 1440}
	idx := failureCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[idx]) * time.Minute
}

// sendToDestination relays one batch of queued EDUs to a single remote
// server. On success the destination cursor advances and the delivered
// entries are trimmed from the outbox.
func sendToDestination(destination string, conf *util.AppConfig) error {
	database := db.GetDB()

	lastStreamId := int64(0)
	err, dest := database.ReadDestination(destination)
	if err == nil && dest != nil {
		lastStreamId = dest.LastStreamId
	}

	currentStreamId := database.CurrentStreamId()
	err, entries, upTo := database.ReadNewMessagesForRemote(destination, lastStreamId, currentStreamId, senderBatchSize)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	for _, entry := range entries {
		if err := deliverEdu(destination, entry.Payload, conf); err != nil {
			return fmt.Errorf("delivery of stream id %d failed: %w", entry.StreamId, err)
		}
	}

	if err := database.MarkDestinationSuccess(destination, upTo); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	if err := database.DeleteMessagesForRemote(destination, upTo); err != nil {
		return fmt.Errorf("failed to trim outbox: %w", err)
	}

	log.Printf("Sender: Delivered %d EDUs to %s, cursor at %d", len(entries), destination, upTo)
	return nil
}

// deliverEdu performs one signed POST to a peer's federation send
// endpoint.
func deliverEdu(destination string, edu string, conf *util.AppConfig) error {
	sendURI := fmt.Sprintf("https://%s/federation/v1/send", destination)

	req, err := http.NewRequest("POST", sendURI, bytes.NewReader([]byte(edu)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mammut/1.0 federation")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Digest", BodyDigest([]byte(edu)))

	keys := GetServerKeys()
	if err := SignRequest(req, keys.Private, KeyId(conf)); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	return nil
}
