package domain

import (
	"time"
)

// DeviceMessage is one queued to-device message for a local recipient.
// The payload is opaque JSON, stored and returned verbatim.
type DeviceMessage struct {
	UserId   string
	DeviceId string
	StreamId int64
	Payload  string
}

// OutboxEntry is one queued federation EDU waiting to be relayed to a
// remote server.
type OutboxEntry struct {
	Destination string
	StreamId    int64
	QueuedAt    time.Time
	Payload     string
}

// Device is one entry in the local device directory.
type Device struct {
	UserId      string
	DeviceId    string
	DisplayName string
	CreatedAt   time.Time
}

// Destination tracks how far a remote server has been caught up and the
// retry bookkeeping for failed deliveries.
type Destination struct {
	Name         string
	LastStreamId int64
	FailureCount int
	RetryAt      *time.Time
	LastError    string
}

// RemoteServer caches a peer server's public signing key.
type RemoteServer struct {
	ServerName   string
	KeyURI       string
	PublicKeyPem string
	FetchedAt    time.Time
}

// OutboxStat is one row of the per-destination queue overview.
type OutboxStat struct {
	Destination  string
	Pending      int
	MinStreamId  int64
	MaxStreamId  int64
	FailureCount int
	RetryAt      *time.Time
}

// QueueTotals is the aggregate view shown in the ops console header.
type QueueTotals struct {
	StreamId      int64
	InboxMessages int
	OutboxEntries int
	InboxRecords  int
}
