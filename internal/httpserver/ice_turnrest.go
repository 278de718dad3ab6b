package httpserver

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

var emptyICEServers = []webrtc.ICEServer{}

// withTURNRESTCredentials returns a copy of servers with the minted username
// and credential set on every entry that lists a turn: or turns: URL. STUN
// entries are passed through untouched.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if isTURNServer(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func isTURNServer(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		scheme, _, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			continue
		}
		switch strings.ToLower(scheme) {
		case "turn", "turns":
			return true
		}
	}
	return false
}
