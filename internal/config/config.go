package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/origin"
)

const (
	envVarListenAddr      = "AERO_CHAT_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_CHAT_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_CHAT_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_CHAT_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_CHAT_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_CHAT_RELAY_MODE"

	// Authentication.
	envVarAuthMode         = "AUTH_MODE"
	envVarJWTSecret        = "JWT_SECRET"
	envVarJWTIdentityClaim = "JWT_IDENTITY_CLAIM"
	envVarAuthTimeout      = "AUTH_TIMEOUT"
	envVarAuthCacheSize    = "AUTH_CACHE_SIZE"
	envVarAuthCacheTTL     = "AUTH_CACHE_TTL"
	envVarIdentityKind     = "IDENTITY_KIND"

	// Message persistence.
	envVarStore                  = "STORE"
	envVarStorePath              = "STORE_PATH"
	envVarStoreFsync             = "STORE_FSYNC"
	envVarStoreTimeout           = "STORE_TIMEOUT"
	envVarMemoryStoreMaxMessages = "MEMORY_STORE_MAX_MESSAGES"
	envVarPersistencePolicy      = "PERSISTENCE_POLICY"
	envVarIncludeChatMetadata    = "INCLUDE_CHAT_METADATA"

	// WebSocket hardening.
	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarSendQueueFrames      = "SEND_QUEUE_FRAMES"
	envVarSendQueueBytes       = "SEND_QUEUE_BYTES"
	envVarMaxConnections       = "MAX_CONNECTIONS"
	envVarMaxConnsPerIdentity  = "MAX_CONNECTIONS_PER_IDENTITY"
	envVarConnectRatePerIP     = "CONNECT_RATE_PER_IP"
	envVarConnectBurstPerIP    = "CONNECT_BURST_PER_IP"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode     AuthMode = AuthModeJWT
	DefaultAuthTimeout           = 2 * time.Second
	DefaultAuthCacheSize         = 1024
	DefaultAuthCacheTTL          = 5 * time.Minute
	DefaultIdentityClaim         = "user_id"
	DefaultIdentityKind          = identity.KindInt

	DefaultStore                  StoreBackend      = StoreMemory
	DefaultStoreTimeout                             = 2 * time.Second
	DefaultMemoryStoreMaxMessages                   = 10_000
	DefaultPersistencePolicy      PersistencePolicy = PersistenceBestEffort

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueFrames      = 256
	DefaultSendQueueBytes       = 1 << 20 // 1MiB
	DefaultConnectRatePerIP     = 5.0
	DefaultConnectBurstPerIP    = 20

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
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

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type StoreBackend string

const (
	StoreNone   StoreBackend = "none"
	StoreMemory StoreBackend = "memory"
	StoreFile   StoreBackend = "file"
)

// PersistencePolicy decides what happens to a chat frame whose save fails.
type PersistencePolicy string

const (
	// PersistenceBestEffort relays the frame anyway.
	PersistenceBestEffort PersistencePolicy = "best_effort"
	// PersistenceStrict drops the frame and reports an error to the sender.
	PersistenceStrict PersistencePolicy = "strict"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode         AuthMode
	JWTSecret        string
	JWTIdentityClaim string
	AuthTimeout      time.Duration
	AuthCacheSize    int
	AuthCacheTTL     time.Duration
	IdentityKind     identity.Kind

	Store                  StoreBackend
	StorePath              string
	StoreFsync             bool
	StoreTimeout           time.Duration
	MemoryStoreMaxMessages int
	PersistencePolicy      PersistencePolicy
	IncludeChatMetadata    bool

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueFrames      int
	SendQueueBytes       int
	// MaxConnections caps concurrently registered connections (0 = unlimited).
	MaxConnections    int
	ConnectRatePerIP  float64
	ConnectBurstPerIP int
	// MaxConnectionsPerIdentity caps connections one identity may hold open
	// at once, across all its rooms (0 = unlimited).
	MaxConnectionsPerIdentity int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError is the ICE configuration problem found at load time, if any.
// The relay still serves chat without ICE servers, so it is reported through
// /readyz and /webrtc/ice rather than failing startup.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtIdentityClaim := envOrDefault(lookup, envVarJWTIdentityClaim, DefaultIdentityClaim)
	identityKindStr := envOrDefault(lookup, envVarIdentityKind, string(DefaultIdentityKind))
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	authCacheSize, err := envIntOrDefault(lookup, envVarAuthCacheSize, DefaultAuthCacheSize)
	if err != nil {
		return Config{}, err
	}
	authCacheTTL, err := envDurationOrDefault(lookup, envVarAuthCacheTTL, DefaultAuthCacheTTL)
	if err != nil {
		return Config{}, err
	}

	storeStr := envOrDefault(lookup, envVarStore, string(DefaultStore))
	storePath := envOrDefault(lookup, envVarStorePath, "")
	storeFsync, err := envBoolOrDefault(lookup, envVarStoreFsync, false)
	if err != nil {
		return Config{}, err
	}
	storeTimeout, err := envDurationOrDefault(lookup, envVarStoreTimeout, DefaultStoreTimeout)
	if err != nil {
		return Config{}, err
	}
	memoryStoreMaxMessages, err := envIntOrDefault(lookup, envVarMemoryStoreMaxMessages, DefaultMemoryStoreMaxMessages)
	if err != nil {
		return Config{}, err
	}
	persistencePolicyStr := envOrDefault(lookup, envVarPersistencePolicy, string(DefaultPersistencePolicy))
	includeChatMetadata, err := envBoolOrDefault(lookup, envVarIncludeChatMetadata, false)
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
	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueFrames, err := envIntOrDefault(lookup, envVarSendQueueFrames, DefaultSendQueueFrames)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	maxConnections, err := envIntOrDefault(lookup, envVarMaxConnections, 0)
	if err != nil {
		return Config{}, err
	}
	maxConnsPerIdentity, err := envIntOrDefault(lookup, envVarMaxConnsPerIdentity, 0)
	if err != nil {
		return Config{}, err
	}
	connectRatePerIP := DefaultConnectRatePerIP
	if raw, ok := lookup(envVarConnectRatePerIP); ok && strings.TrimSpace(raw) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarConnectRatePerIP, raw, err)
		}
		connectRatePerIP = f
	}
	connectBurstPerIP, err := envIntOrDefault(lookup, envVarConnectBurstPerIP, DefaultConnectBurstPerIP)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	fs := flag.NewFlagSet("aero-chat-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Connection auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtIdentityClaim, "jwt-identity-claim", jwtIdentityClaim, "JWT claim holding the user identity (env "+envVarJWTIdentityClaim+")")
	fs.StringVar(&identityKindStr, "identity-kind", identityKindStr, "User identity type: int or string (env "+envVarIdentityKind+")")
	fs.DurationVar(&authTimeout, "auth-timeout", authTimeout, "Max time to resolve a connection credential (env "+envVarAuthTimeout+")")
	fs.IntVar(&authCacheSize, "auth-cache-size", authCacheSize, "Resolved credential cache entries (0 = disabled; env "+envVarAuthCacheSize+")")
	fs.DurationVar(&authCacheTTL, "auth-cache-ttl", authCacheTTL, "Resolved credential cache TTL (env "+envVarAuthCacheTTL+")")

	fs.StringVar(&storeStr, "store", storeStr, "Message store: none, memory or file (env "+envVarStore+")")
	fs.StringVar(&storePath, "store-path", storePath, "Message log path for --store=file (env "+envVarStorePath+")")
	fs.BoolVar(&storeFsync, "store-fsync", storeFsync, "fsync the message log after every write (env "+envVarStoreFsync+")")
	fs.DurationVar(&storeTimeout, "store-timeout", storeTimeout, "Max time to persist one chat message (env "+envVarStoreTimeout+")")
	fs.IntVar(&memoryStoreMaxMessages, "memory-store-max-messages", memoryStoreMaxMessages, "Messages retained by --store=memory (env "+envVarMemoryStoreMaxMessages+")")
	fs.StringVar(&persistencePolicyStr, "persistence-policy", persistencePolicyStr, "On save failure: best_effort (relay anyway) or strict (drop and report) (env "+envVarPersistencePolicy+")")
	fs.BoolVar(&includeChatMetadata, "include-chat-metadata", includeChatMetadata, "Add id/sender_id/receiver_id/timestamp to relayed chat frames (env "+envVarIncludeChatMetadata+")")

	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&sendQueueFrames, "send-queue-frames", sendQueueFrames, "Max queued outbound frames per connection (env "+envVarSendQueueFrames+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per connection (env "+envVarSendQueueBytes+")")
	fs.IntVar(&maxConnections, "max-connections", maxConnections, "Maximum concurrent connections (0 = unlimited; env "+envVarMaxConnections+")")
	fs.IntVar(&maxConnsPerIdentity, "max-connections-per-identity", maxConnsPerIdentity, "Maximum concurrent connections per identity (0 = unlimited; env "+envVarMaxConnsPerIdentity+")")
	fs.Float64Var(&connectRatePerIP, "connect-rate-per-ip", connectRatePerIP, "WebSocket connection attempts/sec per remote IP (0 = unlimited; env "+envVarConnectRatePerIP+")")
	fs.IntVar(&connectBurstPerIP, "connect-burst-per-ip", connectBurstPerIP, "Connection attempt burst per remote IP (env "+envVarConnectBurstPerIP+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

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
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	identityKind, err := identity.ParseKind(identityKindStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--identity-kind: %w", envVarIdentityKind, err)
	}
	storeBackend, err := parseStoreBackend(storeStr)
	if err != nil {
		return Config{}, err
	}
	persistencePolicy, err := parsePersistencePolicy(persistencePolicyStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if strings.TrimSpace(jwtIdentityClaim) == "" {
		return Config{}, fmt.Errorf("%s/--jwt-identity-claim must not be empty", envVarJWTIdentityClaim)
	}
	if authTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--auth-timeout must be > 0", envVarAuthTimeout)
	}
	if authCacheSize < 0 {
		return Config{}, fmt.Errorf("%s/--auth-cache-size must be >= 0", envVarAuthCacheSize)
	}
	if authCacheSize > 0 && authCacheTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--auth-cache-ttl must be > 0", envVarAuthCacheTTL)
	}
	if storeBackend == StoreFile && strings.TrimSpace(storePath) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarStorePath, envVarStore, StoreFile)
	}
	if storeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--store-timeout must be > 0", envVarStoreTimeout)
	}
	if memoryStoreMaxMessages <= 0 {
		return Config{}, fmt.Errorf("%s/--memory-store-max-messages must be > 0", envVarMemoryStoreMaxMessages)
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
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if sendQueueFrames <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-frames must be > 0", envVarSendQueueFrames)
	}
	if int64(sendQueueBytes) < maxMessageBytes {
		return Config{}, fmt.Errorf("%s/--send-queue-bytes must be >= %s/--max-message-bytes (%d)", envVarSendQueueBytes, envVarMaxMessageBytes, maxMessageBytes)
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s/--max-connections must be >= 0", envVarMaxConnections)
	}
	if maxConnsPerIdentity < 0 {
		return Config{}, fmt.Errorf("%s/--max-connections-per-identity must be >= 0", envVarMaxConnsPerIdentity)
	}
	if connectRatePerIP < 0 {
		return Config{}, fmt.Errorf("%s/--connect-rate-per-ip must be >= 0", envVarConnectRatePerIP)
	}
	if connectRatePerIP > 0 && connectBurstPerIP <= 0 {
		return Config{}, fmt.Errorf("%s/--connect-burst-per-ip must be > 0", envVarConnectBurstPerIP)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}
	turnREST := TurnRESTConfig{
		SharedSecret:   turnRESTSharedSecret,
		TTLSeconds:     turnRESTTTLSeconds,
		UsernamePrefix: turnRESTUsernamePrefix,
		Realm:          turnRESTRealm,
	}

	// TURN REST injects credentials per request, so TURN URLs may be listed
	// without static credentials in that mode.
	iceServers, iceErr := parseICEServers(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if iceServers == nil {
		iceServers = []webrtc.ICEServer{}
	}

	return Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:         authMode,
		JWTSecret:        jwtSecret,
		JWTIdentityClaim: strings.TrimSpace(jwtIdentityClaim),
		AuthTimeout:      authTimeout,
		AuthCacheSize:    authCacheSize,
		AuthCacheTTL:     authCacheTTL,
		IdentityKind:     identityKind,

		Store:                  storeBackend,
		StorePath:              storePath,
		StoreFsync:             storeFsync,
		StoreTimeout:           storeTimeout,
		MemoryStoreMaxMessages: memoryStoreMaxMessages,
		PersistencePolicy:      persistencePolicy,
		IncludeChatMetadata:    includeChatMetadata,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		SendQueueFrames:      sendQueueFrames,
		SendQueueBytes:       sendQueueBytes,
		MaxConnections:       maxConnections,
		ConnectRatePerIP:     connectRatePerIP,
		ConnectBurstPerIP:    connectBurstPerIP,

		MaxConnectionsPerIdentity: maxConnsPerIdentity,

		ICEServers: iceServers,
		TURNREST:   turnREST,

		iceConfigErr: iceErr,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

func parseStoreBackend(raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreNone):
		return StoreNone, nil
	case string(StoreMemory):
		return StoreMemory, nil
	case string(StoreFile):
		return StoreFile, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarStore, raw, StoreNone, StoreMemory, StoreFile)
	}
}

func parsePersistencePolicy(raw string) (PersistencePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PersistenceBestEffort), "best-effort":
		return PersistenceBestEffort, nil
	case string(PersistenceStrict):
		return PersistenceStrict, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarPersistencePolicy, raw, PersistenceBestEffort, PersistenceStrict)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		o, ok := origin.Parse(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, o.String())
	}
	return out, nil
}
