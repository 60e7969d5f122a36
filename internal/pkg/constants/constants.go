package constants

import "time"

// Application constants
const (
	ServiceName    = "chatstate"
	ServiceVersion = "v1.0.0"
	APIVersion     = "v1"
)

// Workspaces. Each keeps its own snapshot, requests and playback.
const (
	WorkspaceChat  = "chat"
	WorkspaceVoice = "voice"
)

// Storage keys under which workspace snapshots are kept
const (
	StorageKeyChat  = "chatConversations_v2"
	StorageKeyVoice = "voiceConversations_v1"
)

// Default timeouts
const (
	DatabaseTimeout         = 10 * time.Second
	MessagingTimeout        = 5 * time.Second
	AnswerTimeout           = 60 * time.Second
	HealthCheckTimeout      = 5 * time.Second
	GracefulShutdownTimeout = 30 * time.Second
)

// Database configuration
const (
	DatabaseMaxOpenConns    = 1 // sqlite serializes writers
	DatabaseMaxIdleConns    = 1
	DatabaseConnMaxLifetime = 5 * time.Minute
	DatabaseSaveRetries     = 3

	MigrationsTableName = "schema_migrations"
)

// HTTP status messages
const (
	StatusOK                 = "ok"
	StatusError              = "error"
	StatusServiceUnavailable = "service_unavailable"
)

// Error messages
const (
	ErrMsgWorkspaceNotFound  = "workspace not found"
	ErrMsgServiceUnavailable = "service unavailable"
)

// Success messages
const (
	MsgConversationDeleted = "conversation deleted"
	MsgFolderDeleted       = "folder deleted"
	MsgMessageDeleted      = "message deleted"
	MsgRequestAccepted     = "request accepted"
	MsgPlaybackStopped     = "playback stopped"
)

// Log formats
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// HTTP headers
const (
	HeaderContentType = "Content-Type"
	HeaderRequestID   = "X-Request-ID"
)

// Content types
const (
	ContentTypeJSON = "application/json"
)

// WebSocket configuration
const (
	WebSocketWriteWait      = 10 * time.Second
	WebSocketPongWait       = 60 * time.Second
	WebSocketPingPeriod     = (WebSocketPongWait * 9) / 10
	WebSocketMaxMessageSize = 64 * 1024 // voice lists can be long
	WebSocketSendBuffer     = 256
)

// File and directory paths
const (
	DefaultDataDir        = "./data"
	DefaultMigrationsPath = "./internal/adapters/storage/sqlite/migrations"
	DefaultDBPath         = DefaultDataDir + "/chatstate.db"
)
