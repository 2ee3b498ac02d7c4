package middleware

import (
	"log"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/deemkeen/mammut/util"
)

// AdminAuthMiddleware only lets the configured admin key into the
// monitoring console. With no adminKey set, every session is rejected.
func AdminAuthMiddleware(conf *util.AppConfig) wish.Middleware {
	return func(h ssh.Handler) ssh.Handler {
		return func(s ssh.Session) {
			if conf.Conf.AdminKey == "" {
				log.Println("No adminKey configured, rejecting session")
				wish.Println(s, "monitoring console is disabled")
				return
			}

			if s.PublicKey() == nil || util.PublicKeyToString(s.PublicKey()) != conf.Conf.AdminKey {
				log.Printf("Rejected ssh-session from %s@%s", s.User(), s.RemoteAddr())
				wish.Println(s, "access denied")
				return
			}

			util.LogPublicKey(s)
			h(s)
		}
	}
}
