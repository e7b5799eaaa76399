package ice

import (
	"log/slog"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"

	"meshcall/pkg/webrtc/protocol"
)

const (
	ModeSTUNTURN = "stun-turn"
	ModeTURNOnly = "turn-only"
	ModeSTUNOnly = "stun-only"
)

// DefaultSTUN is used when no STUN servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Settings holds raw ICE configuration before it is resolved into servers.
type Settings struct {
	Mode         string
	STUNURLs     string
	TURNURLs     string
	TURNUsername string
	TURNPassword string
}

// SettingsFromEnv reads ICE configuration from environment variables.
//
// Env vars:
// - STUN_URLS: comma-separated STUN URLs
// - TURN_URLS: comma-separated TURN URLs
// - TURN_USERNAME / TURN_PASSWORD: TURN credentials (if required)
// - ICE_MODE: stun-turn (default), turn-only, stun-only
func SettingsFromEnv() Settings {
	return Settings{
		Mode:         strings.TrimSpace(os.Getenv("ICE_MODE")),
		STUNURLs:     strings.TrimSpace(os.Getenv("STUN_URLS")),
		TURNURLs:     strings.TrimSpace(os.Getenv("TURN_URLS")),
		TURNUsername: strings.TrimSpace(os.Getenv("TURN_USERNAME")),
		TURNPassword: strings.TrimSpace(os.Getenv("TURN_PASSWORD")),
	}
}

// Resolve turns settings into the server list advertised to clients.
func Resolve(s Settings, logger *slog.Logger) (mode string, servers []protocol.ICEServer) {
	if logger == nil {
		logger = slog.Default()
	}
	mode = s.Mode
	if mode == "" {
		mode = ModeSTUNTURN
	}

	turnOnly := strings.EqualFold(mode, ModeTURNOnly)
	stunOnly := strings.EqualFold(mode, ModeSTUNOnly)

	if !turnOnly {
		if s.STUNURLs != "" {
			stunURLs := splitAndClean(s.STUNURLs)
			if len(stunURLs) > 0 {
				servers = append(servers, protocol.ICEServer{URLs: stunURLs})
			}
		} else {
			servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
		}
	}

	if !stunOnly {
		if s.TURNURLs != "" {
			turnURLs := splitAndClean(s.TURNURLs)
			if len(turnURLs) > 0 {
				servers = append(servers, protocol.ICEServer{
					URLs:       turnURLs,
					Username:   s.TURNUsername,
					Credential: s.TURNPassword,
				})
			}
		} else if !turnOnly {
			logger.Info("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		logger.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
	}

	logger.Info("ICE servers loaded", "mode", mode, "servers", len(servers))
	return mode, servers
}

// ToPion converts advertised servers into a pion configuration. turn-only
// mode forces relay candidates.
func ToPion(mode string, servers []protocol.ICEServer) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if strings.EqualFold(mode, ModeTURNOnly) {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

func splitAndClean(csv string) []string {
	parts := strings.Split(csv, ",")
	var out []string
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
