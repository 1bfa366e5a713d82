package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the iSIP process configuration.
// Values come from an optional YAML file, then environment variables.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	OutputDir string `yaml:"output_dir"`

	SIP           SIPConfig           `yaml:"sip"`
	Voice         VoiceConfig         `yaml:"voice"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Calls         CallsConfig         `yaml:"calls"`
	API           APIConfig           `yaml:"api"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
}

// SIPConfig holds user-agent and default account settings.
type SIPConfig struct {
	Gateway  string `yaml:"gateway"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	LocalIP   string `yaml:"local_ip"`
	LocalPort int    `yaml:"local_port"`

	RTPPortMin int    `yaml:"rtp_port_min"`
	RTPPortMax int    `yaml:"rtp_port_max"`
	UserAgent  string `yaml:"user_agent"`

	// RegisterWait bounds how long Start waits for the account to come online.
	RegisterWait time.Duration `yaml:"register_wait"`
}

// VoiceConfig selects the text-to-speech provider.
type VoiceConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// TranscriptionConfig selects the speech-to-text provider.
type TranscriptionConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// CallsConfig holds per-call defaults and limits.
type CallsConfig struct {
	// Timeout applies when a request sets none; MaxTimeout caps requests.
	Timeout       time.Duration `yaml:"timeout"`
	MaxTimeout    time.Duration `yaml:"max_timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// APIConfig holds the HTTP / gRPC front-end settings.
type APIConfig struct {
	HTTPAddr  string        `yaml:"http_addr"`
	GRPCAddr  string        `yaml:"grpc_addr"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTIssuer string        `yaml:"jwt_issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// RedisConfig enables the cross-process call cap when Addr is set.
type RedisConfig struct {
	Addr   string        `yaml:"addr"`
	CapKey string        `yaml:"cap_key"`
	CapTTL time.Duration `yaml:"cap_ttl"`
}

// PostgresConfig enables the Postgres call history when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		OutputDir: "./sippy_output",
		SIP: SIPConfig{
			LocalPort:    5060,
			RTPPortMin:   10000,
			RTPPortMax:   20000,
			UserAgent:    "iSIP",
			RegisterWait: time.Second,
		},
		Voice: VoiceConfig{
			Provider: "openai",
			Model:    "tts-1",
			Voice:    "alloy",
		},
		Transcription: TranscriptionConfig{
			Provider: "deepgram",
			Model:    "nova-2",
		},
		Calls: CallsConfig{
			Timeout:       30 * time.Second,
			MaxTimeout:    10 * time.Minute,
			MaxConcurrent: 1,
		},
		API: APIConfig{
			HTTPAddr: ":8080",
			TokenTTL: time.Hour,
		},
		Redis: RedisConfig{
			CapKey: "isip:calls:active",
			CapTTL: 10 * time.Minute,
		},
	}
}

// LoadDotEnv loads KEY=VALUE files into the process environment.
// Missing files are ignored; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if errs := cfg.applyEnv(os.Getenv); len(errs) > 0 {
		return nil, joinErrors(errs)
	}

	if cfg.SIP.LocalIP == "" || !isValidAddress(cfg.SIP.LocalIP) {
		cfg.SIP.LocalIP = getPrimaryInterfaceIP()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) []error {
	var errs []error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			// Bare numbers are seconds.
			n, nerr := strconv.Atoi(v)
			if nerr != nil {
				errs = append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
				return
			}
			d = time.Duration(n) * time.Second
		}
		*dst = d
	}

	str("ISIP_LOG_LEVEL", &c.LogLevel)
	str("ISIP_OUTPUT_DIR", &c.OutputDir)

	str("SIP_GATEWAY", &c.SIP.Gateway)
	str("SIP_USERNAME", &c.SIP.Username)
	if v := getenv("SIP_PASSWORD"); v != "" {
		c.SIP.Password = v
	}
	str("SIP_LOCAL_IP", &c.SIP.LocalIP)
	num("SIP_LOCAL_PORT", &c.SIP.LocalPort)
	num("ISIP_RTP_PORT_MIN", &c.SIP.RTPPortMin)
	num("ISIP_RTP_PORT_MAX", &c.SIP.RTPPortMax)
	str("ISIP_USER_AGENT", &c.SIP.UserAgent)

	str("ISIP_TTS_PROVIDER", &c.Voice.Provider)
	str("ISIP_TTS_MODEL", &c.Voice.Model)
	str("ISIP_TTS_VOICE", &c.Voice.Voice)
	str("ISIP_STT_PROVIDER", &c.Transcription.Provider)
	str("ISIP_STT_MODEL", &c.Transcription.Model)

	dur("ISIP_CALL_TIMEOUT", &c.Calls.Timeout)
	dur("ISIP_MAX_CALL_TIMEOUT", &c.Calls.MaxTimeout)
	num("ISIP_MAX_CONCURRENT_CALLS", &c.Calls.MaxConcurrent)

	str("ISIP_HTTP_ADDR", &c.API.HTTPAddr)
	str("ISIP_GRPC_ADDR", &c.API.GRPCAddr)
	if v := getenv("ISIP_JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
	str("ISIP_JWT_ISSUER", &c.API.JWTIssuer)
	dur("ISIP_JWT_TTL", &c.API.TokenTTL)

	str("ISIP_REDIS_ADDR", &c.Redis.Addr)
	if v := getenv("ISIP_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}

	return errs
}

// Validate checks settings needed by every command.
func (c *Config) Validate() error {
	var errs []error

	if c.SIP.LocalPort <= 0 || c.SIP.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("SIP_LOCAL_PORT must be a valid port, got %d", c.SIP.LocalPort))
	}
	if c.SIP.RTPPortMin <= 0 || c.SIP.RTPPortMax > 65535 || c.SIP.RTPPortMin >= c.SIP.RTPPortMax {
		errs = append(errs, fmt.Errorf("RTP port range %d-%d is invalid", c.SIP.RTPPortMin, c.SIP.RTPPortMax))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("ISIP_OUTPUT_DIR must not be empty"))
	}
	if !isKnownProvider(c.Voice.Provider) {
		errs = append(errs, fmt.Errorf("ISIP_TTS_PROVIDER must be one of openai, deepgram, elevenlabs, got %q", c.Voice.Provider))
	}
	if !isKnownProvider(c.Transcription.Provider) {
		errs = append(errs, fmt.Errorf("ISIP_STT_PROVIDER must be one of openai, deepgram, elevenlabs, got %q", c.Transcription.Provider))
	}
	if c.Calls.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("ISIP_CALL_TIMEOUT must be positive, got %s", c.Calls.Timeout))
	}
	if c.Calls.MaxTimeout < c.Calls.Timeout {
		errs = append(errs, fmt.Errorf("ISIP_MAX_CALL_TIMEOUT must be at least ISIP_CALL_TIMEOUT (%s), got %s", c.Calls.Timeout, c.Calls.MaxTimeout))
	}
	if c.Calls.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("ISIP_MAX_CONCURRENT_CALLS must be >= 1, got %d", c.Calls.MaxConcurrent))
	}

	return joinErrors(errs)
}

// ValidateServe checks the extra settings required by the API server.
func (c *Config) ValidateServe() error {
	var errs []error
	if c.API.HTTPAddr == "" {
		errs = append(errs, errors.New("ISIP_HTTP_ADDR is required"))
	}
	if c.API.JWTSecret == "" {
		errs = append(errs, errors.New("ISIP_JWT_SECRET is required"))
	}
	if c.API.TokenTTL <= 0 {
		errs = append(errs, errors.New("ISIP_JWT_TTL must be positive"))
	}
	return joinErrors(errs)
}

// TargetEnv returns the SIP defaults as environment-style lookups.
func (c *Config) TargetEnv() map[string]string {
	return map[string]string{
		"SIP_GATEWAY":  c.SIP.Gateway,
		"SIP_USERNAME": c.SIP.Username,
		"SIP_PASSWORD": c.SIP.Password,
	}
}

func isKnownProvider(p string) bool {
	switch p {
	case "", "openai", "deepgram", "elevenlabs":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP returns the first non-loopback IPv4 address.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
