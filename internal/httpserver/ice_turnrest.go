package httpserver

import (
	"github.com/pion/webrtc/v4"

	"github.com/teleconsult/signaling-relay/internal/config"
)

// withTURNRESTCredentials returns a copy of servers with username/credential
// set on every entry that lists a TURN URL. STUN-only entries are unchanged.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep empty non-nil slices so the response encodes `[]`, not `null`.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		if config.IsTURNURL(u) {
			return true
		}
	}
	return false
}
