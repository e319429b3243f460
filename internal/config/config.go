package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "PEERLINE_RELAY_LISTEN_ADDR"
	envVarMode            = "PEERLINE_RELAY_MODE"
	envVarLogFormat       = "PEERLINE_RELAY_LOG_FORMAT"
	envVarLogLevel        = "PEERLINE_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "PEERLINE_RELAY_SHUTDOWN_TIMEOUT"

	// Signaling WebSocket hardening.
	envVarWSIdleTimeout            = "PEERLINE_WS_IDLE_TIMEOUT"
	envVarWSPingInterval           = "PEERLINE_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes = "PEERLINE_MAX_SIGNALING_MESSAGE_BYTES"
	envVarHandshakeTimeout         = "PEERLINE_HANDSHAKE_TIMEOUT"

	// Session tokens issued in the Self handshake.
	envVarSessionTokenSecret = "PEERLINE_SESSION_TOKEN_SECRET"
	envVarSessionTokenTTL    = "PEERLINE_SESSION_TOKEN_TTL"

	// ICE configuration handed to endpoints.
	envVarStunURLs = "PEERLINE_STUN_URLS"
	envVarTurnURLs = "PEERLINE_TURN_URLS"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "PEERLINE_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "PEERLINE_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "PEERLINE_TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr               = "127.0.0.1:8080"
	DefaultShutdownTimeout          = 15 * time.Second
	DefaultWSIdleTimeout            = 60 * time.Second
	DefaultWSPingInterval           = 20 * time.Second
	DefaultMaxSignalingMessageBytes = int64(64 * 1024)
	DefaultHandshakeTimeout         = 5 * time.Second
	DefaultSessionTokenTTL          = 12 * time.Hour
	DefaultTURNRESTTTL              = time.Hour
	DefaultTURNRESTUsernamePrefix   = "peerline"

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// Signaling WebSocket hardening.
	WSIdleTimeout            time.Duration
	WSPingInterval           time.Duration
	MaxSignalingMessageBytes int64
	// HandshakeTimeout bounds how long a fresh connection may sit without a
	// valid Hello before being closed.
	HandshakeTimeout time.Duration

	// SessionTokenSecret signs the tokens issued in Self. Endpoints present the
	// token on reconnect to resume their identity.
	SessionTokenSecret string
	SessionTokenTTL    time.Duration

	// ICE surface advertised to endpoints: a static STUN list plus TURN URLs
	// whose credentials are minted per handshake when TURN REST is enabled.
	StunURLs []string
	TurnURLs []string
	TURNREST TurnRESTConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load takes the env lookup as a parameter so tests can exercise every
// env/flag combination without mutating the process environment.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	handshakeTimeout, err := envDurationOrDefault(lookup, envVarHandshakeTimeout, DefaultHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionTokenTTL, err := envDurationOrDefault(lookup, envVarSessionTokenTTL, DefaultSessionTokenTTL)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	sessionTokenSecret := envOrDefault(lookup, envVarSessionTokenSecret, "")
	stunURLsStr := envOrDefault(lookup, envVarStunURLs, "")
	turnURLsStr := envOrDefault(lookup, envVarTurnURLs, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	fs := flag.NewFlagSet("peerline-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle signaling connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on signaling connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", handshakeTimeout, "Max time to wait for Hello on a fresh connection (env "+envVarHandshakeTimeout+")")
	fs.StringVar(&sessionTokenSecret, "session-token-secret", sessionTokenSecret, "HMAC secret for Self session tokens (env "+envVarSessionTokenSecret+")")
	fs.DurationVar(&sessionTokenTTL, "session-token-ttl", sessionTokenTTL, "Session token lifetime (env "+envVarSessionTokenTTL+")")
	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "Comma-separated STUN URLs (env "+envVarStunURLs+")")
	fs.StringVar(&turnURLsStr, "turn-urls", turnURLsStr, "Comma-separated TURN URLs (env "+envVarTurnURLs+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret; empty disables TURN credentials (env "+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "TURN REST credential lifetime (env "+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	stunURLs, err := parseICEURLs(envVarStunURLs, stunURLsStr, "stun:", "stuns:")
	if err != nil {
		return Config{}, err
	}
	turnURLs, err := parseICEURLs(envVarTurnURLs, turnURLsStr, "turn:", "turns:")
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if handshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--handshake-timeout must be > 0", envVarHandshakeTimeout)
	}
	if strings.TrimSpace(sessionTokenSecret) == "" {
		return Config{}, fmt.Errorf("%s/--session-token-secret must be set", envVarSessionTokenSecret)
	}
	if sessionTokenTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--session-token-ttl must be > 0", envVarSessionTokenTTL)
	}
	turnREST := TurnRESTConfig{
		SharedSecret:   turnRESTSharedSecret,
		TTL:            turnRESTTTL,
		UsernamePrefix: turnRESTUsernamePrefix,
	}
	if turnREST.Enabled() {
		if turnRESTTTL <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be > 0", envVarTURNRESTTTL)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must not be empty", envVarTURNRESTUsernamePrefix)
		}
		if len(turnURLs) == 0 {
			return Config{}, fmt.Errorf("%s must be set when TURN REST is enabled", envVarTurnURLs)
		}
	}

	return Config{
		ListenAddr:               listenAddr,
		Mode:                     mode,
		LogFormat:                logFormat,
		LogLevel:                 level,
		ShutdownTimeout:          shutdownTimeout,
		WSIdleTimeout:            wsIdleTimeout,
		WSPingInterval:           wsPingInterval,
		MaxSignalingMessageBytes: maxSignalingMessageBytes,
		HandshakeTimeout:         handshakeTimeout,
		SessionTokenSecret:       sessionTokenSecret,
		SessionTokenTTL:          sessionTokenTTL,
		StunURLs:                 stunURLs,
		TurnURLs:                 turnURLs,
		TURNREST:                 turnREST,
	}, nil
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", s)
	}
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return "info"
	}
	return "debug"
}
