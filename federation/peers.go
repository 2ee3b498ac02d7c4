package federation

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

// How long a cached peer key stays fresh before it is re-fetched
const keyRefreshInterval = 24 * time.Hour

// KeyResponse is the JSON body served by a peer's key endpoint.
type KeyResponse struct {
	ServerName   string `json:"server_name"`
	KeyId        string `json:"key_id"`
	PublicKeyPem string `json:"public_key_pem"`
}

// FetchServerKey fetches a peer server's signing key and stores it in the
// cache table.
func FetchServerKey(serverName string) (*domain.RemoteServer, error) {
	keyURI := fmt.Sprintf("https://%s/federation/v1/key", serverName)

	req, err := http.NewRequest("GET", keyURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mammut/1.0 federation")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var keyResp KeyResponse
	if err := json.Unmarshal(body, &keyResp); err != nil {
		return nil, fmt.Errorf("failed to parse key JSON: %w", err)
	}

	if keyResp.ServerName == "" || keyResp.PublicKeyPem == "" {
		return nil, fmt.Errorf("key response missing required fields")
	}
	if keyResp.ServerName != serverName {
		return nil, fmt.Errorf("key response for wrong server: %s", keyResp.ServerName)
	}

	server := &domain.RemoteServer{
		ServerName:   keyResp.ServerName,
		KeyURI:       keyURI,
		PublicKeyPem: keyResp.PublicKeyPem,
		FetchedAt:    time.Now(),
	}

	database := db.GetDB()
	err = database.CreateRemoteServer(server)
	if err != nil {
		// If already cached, try to update
		err = database.UpdateRemoteServer(server)
		if err != nil {
			return nil, fmt.Errorf("failed to store remote server: %w", err)
		}
	}

	return server, nil
}

// GetOrFetchServerKey returns the cached key for a peer, fetching it when
// missing or stale.
func GetOrFetchServerKey(serverName string) (*domain.RemoteServer, error) {
	database := db.GetDB()
	err, server := database.ReadRemoteServerByName(serverName)
	if err == nil && server != nil && time.Since(server.FetchedAt) < keyRefreshInterval {
		return server, nil
	}
	return FetchServerKey(serverName)
}
