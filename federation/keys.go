package federation

import (
	"crypto/rsa"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/deemkeen/mammut/util"
)

const ServerKeyFileName = "server_key.pem"
const ServerPubKeyFileName = "server_key_pub.pem"

// ServerKeys holds this server's federation signing key.
type ServerKeys struct {
	Private   *rsa.PrivateKey
	PublicPem string
}

var (
	serverKeys     *ServerKeys
	serverKeysOnce sync.Once
)

// GetServerKeys loads the server signing keypair, generating and
// persisting one on first start.
func GetServerKeys() *ServerKeys {
	serverKeysOnce.Do(func() {
		keyPath := util.ResolveFilePath(ServerKeyFileName)
		pubPath := util.ResolveFilePath(ServerPubKeyFileName)

		privPem, err := os.ReadFile(keyPath)
		if err != nil {
			log.Println("No server key found, generating a new one..")
			pair := util.GeneratePemKeypair()
			if err := os.WriteFile(keyPath, []byte(pair.Private), 0600); err != nil {
				log.Printf("Warning: could not persist server key to %s: %v", keyPath, err)
			}
			if err := os.WriteFile(pubPath, []byte(pair.Public), 0644); err != nil {
				log.Printf("Warning: could not persist public key to %s: %v", pubPath, err)
			}
			privPem = []byte(pair.Private)
		}

		pubPem, err := os.ReadFile(pubPath)
		if err != nil {
			panic(fmt.Errorf("server public key missing at %s: %w", pubPath, err))
		}

		private, err := ParsePrivateKey(string(privPem))
		if err != nil {
			panic(fmt.Errorf("failed to parse server key: %w", err))
		}

		serverKeys = &ServerKeys{Private: private, PublicPem: string(pubPem)}
	})

	return serverKeys
}

// KeyId returns the keyId advertised in outgoing signatures.
func KeyId(conf *util.AppConfig) string {
	return fmt.Sprintf("https://%s/federation/v1/key#main-key", conf.Conf.ServerName)
}
