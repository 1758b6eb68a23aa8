package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Protocol constants - must match every peer in the session
const (
	// Players
	MaxNumberOfPlayers = 8
	HostPlayerIndex    = 0

	// Network
	TickRate          = 60 // Hz
	TickInterval      = time.Second / TickRate
	DefaultPort       = 42069
	MaxMessageSize    = 4096
	SendBufferSize    = 256
	WriteWait         = 10 * time.Second
	PongWait          = 60 * time.Second
	PingPeriod        = PongWait / 2
	CompressThreshold = 512 // Reliable batches above this size are lz4 compressed

	// Synchronization
	DefaultMaxLatency       = 1000 * time.Millisecond
	DefaultHandshakeTimeout = 5000 * time.Millisecond
	RaceStartDelay          = 3 * time.Second

	// Clock sync
	DefaultNtpServer = "0.pool.ntp.org"
	NtpSyncPeriod    = 32 * time.Second
	NtpQueryTimeout  = 5 * time.Second

	// Session limits
	MaxSessionsPerServer = 50

	// Anti-cheat
	MaxViolations       = 5
	MaxRings            = 100
	MaxTeleportDistance = 2000.0 // World units within one latency window
	MessagesPerSecond   = TickRate * 2
	MessageBurst        = TickRate / 2
)

// JitterBufferType selects how received telemetry is buffered before use.
type JitterBufferType uint8

const (
	JitterBufferDynamic JitterBufferType = iota
	JitterBufferAdaptive
	JitterBufferHybrid
)

// JitterBufferSettings tune how the game buffers received telemetry. The client
// hands them to games implementing client.JitterBuffered.
type JitterBufferSettings struct {
	Type                  JitterBufferType
	MaxRampDownAmount     int
	DefaultBufferSize     int
	NumJitterValuesSample int
}

// SimulateBadInternet degrades the outgoing unreliable path for testing.
type SimulateBadInternet struct {
	Enabled    bool
	PacketLoss uint8 // Percent, 0-100
	MinLatency time.Duration
	MaxLatency time.Duration
}

// SimulatesLoss reports whether packet loss simulation is active
func (s SimulateBadInternet) SimulatesLoss() bool {
	return s.Enabled && s.PacketLoss > 0 && s.PacketLoss <= 100
}

// SimulatesLatency reports whether latency simulation is active
func (s SimulateBadInternet) SimulatesLatency() bool {
	return s.Enabled && s.MinLatency > 0 && s.MaxLatency > s.MinLatency
}

// NetplayConfig holds host and client configuration
type NetplayConfig struct {
	// Host
	Host       string
	Port       int
	EnableCORS bool
	AntiCheat  uint8 // session.CheatKind flags

	// Client
	HostAddr   string
	PlayerName string

	// Synchronization
	MaxLatency       time.Duration
	HandshakeTimeout time.Duration

	// Clock sync
	NtpServer  string
	NtpEnabled bool

	BufferSettings JitterBufferSettings
	BadInternet    SimulateBadInternet
}

// DefaultNetplayConfig returns default configuration
func DefaultNetplayConfig() *NetplayConfig {
	return &NetplayConfig{
		Host:             "0.0.0.0",
		Port:             DefaultPort,
		EnableCORS:       true,
		AntiCheat:        0x07,
		HostAddr:         "127.0.0.1:42069",
		PlayerName:       "Player",
		MaxLatency:       DefaultMaxLatency,
		HandshakeTimeout: DefaultHandshakeTimeout,
		NtpServer:        DefaultNtpServer,
		NtpEnabled:       true,
		BufferSettings: JitterBufferSettings{
			Type:                  JitterBufferHybrid,
			MaxRampDownAmount:     10,
			DefaultBufferSize:     3,
			NumJitterValuesSample: 180,
		},
	}
}

// Load reads an optional .env file and overrides defaults from the environment.
func Load() *NetplayConfig {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment variables from .env")
	}

	cfg := DefaultNetplayConfig()

	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}
	if port, ok := envInt("PORT"); ok {
		cfg.Port = port
	}
	// CORS can be disabled for production behind a reverse proxy
	if cors := os.Getenv("ENABLE_CORS"); cors == "false" {
		cfg.EnableCORS = false
	}
	if mode, ok := envInt("ANTI_CHEAT"); ok && mode >= 0 && mode <= 0xFF {
		cfg.AntiCheat = uint8(mode)
	}

	if addr := os.Getenv("HOST_ADDR"); addr != "" {
		cfg.HostAddr = addr
	}
	if name := os.Getenv("PLAYER_NAME"); name != "" {
		cfg.PlayerName = name
	}

	if ms, ok := envInt("MAX_LATENCY_MS"); ok && ms > 0 {
		cfg.MaxLatency = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := envInt("HANDSHAKE_TIMEOUT_MS"); ok && ms > 0 {
		cfg.HandshakeTimeout = time.Duration(ms) * time.Millisecond
	}

	if server := os.Getenv("NTP_SERVER"); server != "" {
		cfg.NtpServer = server
	}
	if enabled := os.Getenv("NTP_ENABLED"); enabled == "false" {
		cfg.NtpEnabled = false
	}

	if size, ok := envInt("JITTER_BUFFER_SIZE"); ok && size > 0 {
		cfg.BufferSettings.DefaultBufferSize = size
	}
	if ramp, ok := envInt("JITTER_MAX_RAMP_DOWN"); ok && ramp >= 0 {
		cfg.BufferSettings.MaxRampDownAmount = ramp
	}

	if loss, ok := envInt("SIM_PACKET_LOSS"); ok && loss > 0 && loss <= 100 {
		cfg.BadInternet.Enabled = true
		cfg.BadInternet.PacketLoss = uint8(loss)
	}
	if minMs, ok := envInt("SIM_MIN_LATENCY_MS"); ok && minMs > 0 {
		cfg.BadInternet.Enabled = true
		cfg.BadInternet.MinLatency = time.Duration(minMs) * time.Millisecond
	}
	if maxMs, ok := envInt("SIM_MAX_LATENCY_MS"); ok && maxMs > 0 {
		cfg.BadInternet.Enabled = true
		cfg.BadInternet.MaxLatency = time.Duration(maxMs) * time.Millisecond
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Ignoring %s=%q: %v", key, v, err)
		return 0, false
	}
	return n, true
}
