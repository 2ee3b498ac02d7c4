package web

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/federation"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultPollLimit = 100
const maxPollLimit = 500

// SendRequest is the body of a send call: payloads keyed by user, then by
// device. Payloads are opaque to this server and pass through verbatim.
type SendRequest struct {
	Messages map[string]map[string]json.RawMessage `json:"messages"`
}

// Edu is the federation envelope relayed to (and accepted from) remote
// servers for to-device messages.
type Edu struct {
	Origin    string                                `json:"origin"`
	MessageId string                                `json:"message_id"`
	Type      string                                `json:"type"`
	Messages  map[string]map[string]json.RawMessage `json:"messages"`
}

// SplitRecipients partitions a send request into messages for this
// server's own devices and messages grouped by remote destination.
func SplitRecipients(messages map[string]map[string]json.RawMessage, localDomain string) (map[string]map[string]string, map[string]map[string]map[string]json.RawMessage) {
	local := make(map[string]map[string]string)
	remote := make(map[string]map[string]map[string]json.RawMessage)

	for userId, byDevice := range messages {
		domainName := util.UserDomain(userId)
		if domainName == "" || domainName == localDomain {
			payloads := make(map[string]string, len(byDevice))
			for deviceId, payload := range byDevice {
				payloads[deviceId] = string(payload)
			}
			local[userId] = payloads
			continue
		}

		byUser, ok := remote[domainName]
		if !ok {
			byUser = make(map[string]map[string]json.RawMessage)
			remote[domainName] = byUser
		}
		byUser[userId] = byDevice
	}

	return local, remote
}

// BuildEdus wraps the per-destination message groups into serialized EDU
// envelopes, one per destination, each with a fresh message id.
func BuildEdus(remote map[string]map[string]map[string]json.RawMessage, origin string) (map[string]string, error) {
	edus := make(map[string]string, len(remote))
	for destination, byUser := range remote {
		edu := Edu{
			Origin:    origin,
			MessageId: uuid.New().String(),
			Type:      "direct_to_device",
			Messages:  byUser,
		}
		payload, err := json.Marshal(edu)
		if err != nil {
			return nil, err
		}
		edus[destination] = string(payload)
	}
	return edus, nil
}

// HandleSend queues a batch of to-device messages for local and remote
// recipients and returns the resulting stream token.
func HandleSend(c *gin.Context, conf *util.AppConfig) {
	txnId := c.Param("txnId")

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	local, remoteByDest := SplitRecipients(req.Messages, conf.Conf.ServerName)
	edus, err := BuildEdus(remoteByDest, conf.Conf.ServerName)
	if err != nil {
		log.Printf("Send: Failed to build EDUs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue messages"})
		return
	}

	streamId, err := db.GetDB().AddMessages(local, edus)
	if err != nil {
		log.Printf("Send: Failed to queue messages (txn %s): %v", txnId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue messages"})
		return
	}

	log.Printf("Send: Queued txn %s at stream position %d", txnId, streamId)
	c.JSON(http.StatusOK, gin.H{"stream_id": streamId})
}

// HandlePoll returns queued messages for one device since the caller's
// last known stream position, plus the position to resume from.
func HandlePoll(c *gin.Context) {
	userId := c.Param("user")
	deviceId := c.Param("device")

	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since token"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPollLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	if limit > maxPollLimit {
		limit = maxPollLimit
	}

	database := db.GetDB()
	currentStreamId := database.CurrentStreamId()
	if since >= currentStreamId {
		c.JSON(http.StatusOK, gin.H{"messages": []json.RawMessage{}, "next": currentStreamId})
		return
	}

	err, payloads, next := database.ReadNewMessagesForDevice(userId, deviceId, since, currentStreamId, limit)
	if err != nil {
		log.Printf("Poll: Failed to read messages for %s/%s: %v", userId, deviceId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read messages"})
		return
	}

	messages := make([]json.RawMessage, 0, len(payloads))
	for _, payload := range payloads {
		messages = append(messages, json.RawMessage(payload))
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages, "next": next})
}

// HandleAck trims a device's inbox up to an acknowledged stream position.
func HandleAck(c *gin.Context) {
	userId := c.Param("user")
	deviceId := c.Param("device")

	upTo, err := strconv.ParseInt(c.Query("upTo"), 10, 64)
	if err != nil || upTo < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upTo token"})
		return
	}

	if err := db.GetDB().DeleteMessagesForDevice(userId, deviceId, upTo); err != nil {
		log.Printf("Ack: Failed to delete messages for %s/%s: %v", userId, deviceId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// HandleReplication streams inbox rows across all devices for
// cross-server state replication.
func HandleReplication(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since token"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPollLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}

	database := db.GetDB()
	currentStreamId := database.CurrentStreamId()

	err, rows := database.ReadAllNewMessages(since, currentStreamId, limit)
	if err != nil {
		log.Printf("Replication: Failed to read messages: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read messages"})
		return
	}

	type replicationRow struct {
		StreamId int64           `json:"stream_id"`
		UserId   string          `json:"user_id"`
		DeviceId string          `json:"device_id"`
		Payload  json.RawMessage `json:"payload"`
	}

	out := make([]replicationRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, replicationRow{
			StreamId: row.StreamId,
			UserId:   row.UserId,
			DeviceId: row.DeviceId,
			Payload:  json.RawMessage(row.Payload),
		})
	}

	c.JSON(http.StatusOK, gin.H{"rows": out, "current": currentStreamId})
}

// HandleCreateDevice registers a device in the local directory.
func HandleCreateDevice(c *gin.Context) {
	userId := c.Param("user")

	var req struct {
		DeviceId    string `json:"device_id"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	if err := db.GetDB().CreateDevice(userId, req.DeviceId, req.DisplayName); err != nil {
		log.Printf("Devices: Failed to create device %s/%s: %v", userId, req.DeviceId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// HandleDeleteDevice removes a device and drops its queued messages.
func HandleDeleteDevice(c *gin.Context) {
	userId := c.Param("user")
	deviceId := c.Param("device")

	if err := db.GetDB().DeleteDevice(userId, deviceId); err != nil {
		log.Printf("Devices: Failed to delete device %s/%s: %v", userId, deviceId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// HandleFederationSend ingests a to-device EDU from a remote server.
// Redelivered EDUs are acknowledged without being applied twice.
func HandleFederationSend(c *gin.Context, conf *util.AppConfig) {
	signature := c.GetHeader("Signature")
	if signature == "" {
		log.Printf("Federation: Missing HTTP signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing signature"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Federation: Failed to read body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	var edu Edu
	if err := json.Unmarshal(body, &edu); err != nil {
		log.Printf("Federation: Failed to parse EDU: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid EDU"})
		return
	}
	if edu.Origin == "" || edu.MessageId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "origin and message_id are required"})
		return
	}

	log.Printf("Federation: Received %s from %s", edu.MessageId, edu.Origin)

	peer, err := federation.GetOrFetchServerKey(edu.Origin)
	if err != nil {
		log.Printf("Federation: Failed to fetch key for %s: %v", edu.Origin, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to verify origin"})
		return
	}

	if _, err := federation.VerifyRequest(c.Request, peer.PublicKeyPem); err != nil {
		log.Printf("Federation: Signature verification failed: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	local := make(map[string]map[string]string, len(edu.Messages))
	for userId, byDevice := range edu.Messages {
		payloads := make(map[string]string, len(byDevice))
		for deviceId, payload := range byDevice {
			payloads[deviceId] = string(payload)
		}
		local[userId] = payloads
	}

	if err := db.GetDB().AddMessagesFromRemote(edu.Origin, edu.MessageId, local); err != nil {
		log.Printf("Federation: Failed to ingest %s from %s: %v", edu.MessageId, edu.Origin, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to ingest messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// HandleFederationKey serves this server's public signing key to peers.
func HandleFederationKey(c *gin.Context, conf *util.AppConfig) {
	keys := federation.GetServerKeys()
	c.JSON(http.StatusOK, federation.KeyResponse{
		ServerName:   conf.Conf.ServerName,
		KeyId:        federation.KeyId(conf),
		PublicKeyPem: keys.PublicPem,
	})
}
