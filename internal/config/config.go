package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/petervdpas/roomchat/internal/util"
)

// Environment variables that override the file. A .env file next to the
// config is read first; real environment variables win over it.
const (
	EnvToken     = "ROOMCHAT_TOKEN"
	EnvAPIURL    = "ROOMCHAT_API_URL"
	EnvSocketURL = "ROOMCHAT_SOCKET_URL"
)

// defaultSocketPath is appended to the API URL when no socket URL is set.
const defaultSocketPath = "/ws"

type Config struct {
	Server   Server   `json:"server"`
	Identity Identity `json:"identity"`
	Chat     Chat     `json:"chat"`
	Call     Call     `json:"call"`
	Storage  Storage  `json:"storage"`
	Metrics  Metrics  `json:"metrics"`
}

type Server struct {
	APIURL    string `json:"api_url"`
	SocketURL string `json:"socket_url"`
}

type Identity struct {
	// Bearer token issued by the identity service. When empty and Email is
	// set, the client signs in with Email/Password at startup.
	Token    string `json:"token"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Chat struct {
	MessagePageSize       int `json:"message_page_size"`
	ConversationPageSize  int `json:"conversation_page_size"`
	MaxConversationPages  int `json:"max_conversation_pages"`
	RefreshDebounceMillis int `json:"refresh_debounce_ms"`
}

type Call struct {
	ICEServers []string `json:"ice_servers"`

	// ICE timeouts (seconds). 0 = pion default.
	DisconnectedTimeoutSec int `json:"ice_disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"ice_failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"ice_keepalive_interval_sec"`

	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`
	VideoWidth   int    `json:"video_width"`
	VideoHeight  int    `json:"video_height"`
	FrameRate    int    `json:"frame_rate"`

	// Level for pion's internal loggers: disabled, error, warn, info, debug, trace.
	PionLogLevel string `json:"pion_log_level"`
}

type Storage struct {
	DataDir string `json:"data_dir"`
}

type Metrics struct {
	// Listen address for the Prometheus endpoint. Empty disables it.
	Addr string `json:"addr"`
}

func Default() Config {
	return Config{
		Server: Server{
			APIURL:    "http://localhost:9191",
			SocketURL: "ws://localhost:9999/ws",
		},
		Chat: Chat{
			MessagePageSize:       10,
			ConversationPageSize:  20,
			MaxConversationPages:  10,
			RefreshDebounceMillis: 100,
		},
		Call: Call{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
			VideoWidth:             640,
			VideoHeight:            480,
			FrameRate:              30,
			PionLogLevel:           "warn",
		},
		Storage: Storage{
			DataDir: "data",
		},
	}
}

var pionLevels = map[string]bool{
	"disabled": true, "error": true, "warn": true, "info": true, "debug": true, "trace": true,
}

func (c *Config) Validate() error {
	// Server
	if err := validateURL(c.Server.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}
	if err := validateURL(c.Server.SocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server.socket_url: %w", err)
	}

	// Identity
	if c.Identity.Email != "" && c.Identity.Password == "" {
		return errors.New("identity.password is required when identity.email is set")
	}

	// Chat
	if c.Chat.MessagePageSize < 1 || c.Chat.MessagePageSize > 200 {
		return errors.New("chat.message_page_size must be 1..200")
	}
	if c.Chat.ConversationPageSize < 1 || c.Chat.ConversationPageSize > 200 {
		return errors.New("chat.conversation_page_size must be 1..200")
	}
	if c.Chat.MaxConversationPages < 1 {
		return errors.New("chat.max_conversation_pages must be > 0")
	}
	if c.Chat.RefreshDebounceMillis < 0 {
		return errors.New("chat.refresh_debounce_ms must be >= 0")
	}

	if err := c.Call.Validate(); err != nil {
		return err
	}

	// Storage
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	// Metrics
	if a := c.Metrics.Addr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}

	return nil
}

// Validate checks the call section on its own so a hot reload can reject a
// bad edit without touching the rest of the config.
func (c *Call) Validate() error {
	for _, s := range c.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q must start with stun:, turn: or turns:", s)
		}
	}
	if c.DisconnectedTimeoutSec < 0 || c.FailedTimeoutSec < 0 || c.KeepAliveIntervalSec < 0 {
		return errors.New("call ice timeouts must be >= 0")
	}
	if c.VideoWidth < 0 || c.VideoHeight < 0 || c.FrameRate < 0 {
		return errors.New("call video constraints must be >= 0")
	}
	if lvl := strings.ToLower(c.PionLogLevel); lvl != "" && !pionLevels[lvl] {
		return fmt.Errorf("call.pion_log_level: unknown level %q", c.PionLogLevel)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file and applies the environment overlay
// without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv(envFileFor(path))
	return cfg, nil
}

// ApplyEnv overlays environment values. envFile may be empty or missing.
func (c *Config) ApplyEnv(envFile string) {
	fileVals := map[string]string{}
	if envFile != "" {
		if vals, err := godotenv.Read(envFile); err == nil {
			fileVals = vals
		}
	}
	get := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileVals[key]
	}

	if v := get(EnvToken); v != "" {
		c.Identity.Token = strings.TrimPrefix(strings.TrimSpace(v), "Bearer ")
	}
	if v := get(EnvAPIURL); v != "" {
		c.Server.APIURL = util.NormalizeURL(v)
	}
	if v := get(EnvSocketURL); v != "" {
		c.Server.SocketURL = strings.TrimSpace(v)
	}

	// No socket URL: the socket is served next to the REST API.
	if strings.TrimSpace(c.Server.SocketURL) == "" && c.Server.APIURL != "" {
		c.Server.SocketURL = util.WebsocketURL(c.Server.APIURL) + defaultSocketPath
	}
}

func envFileFor(configPath string) string {
	dir := "."
	if i := strings.LastIndexAny(configPath, `/\`); i >= 0 {
		dir = configPath[:i]
	}
	return util.ResolvePath(dir, ".env")
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg.ApplyEnv(envFileFor(path))
	return cfg, true, nil
}
