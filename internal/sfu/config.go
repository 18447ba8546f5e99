package sfu

import (
	"github.com/pion/webrtc/v4"

	"harbor/internal/config"
)

// Config controls the media router. All fields come from the sfu section of
// the server config.
type Config struct {
	Enabled     bool
	AudioOnly   bool
	AnnouncedIP string
	ListenIP    string
	MinPort     uint16
	MaxPort     uint16
	EnableUDP   bool
	EnableTCP   bool
	PreferTCP   bool

	// Per-peer resource caps.
	MaxTransportsPerPeer int
	MaxProducersPerPeer  int
}

// ConfigFrom maps the server config's sfu section onto the router config.
func ConfigFrom(c *config.SFUConfig) *Config {
	return &Config{
		Enabled:              c.Enabled,
		AudioOnly:            c.AudioOnly,
		AnnouncedIP:          c.AnnouncedIP,
		ListenIP:             c.ListenIP,
		MinPort:              c.MinPort,
		MaxPort:              c.MaxPort,
		EnableUDP:            c.EnableUDP,
		EnableTCP:            c.EnableTCP,
		PreferTCP:            c.PreferTCP,
		MaxTransportsPerPeer: c.MaxTransportsPerPeer,
		MaxProducersPerPeer:  c.MaxProducersPerPeer,
	}
}

func (c *Config) ToWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{}
}
