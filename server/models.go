package main

import "time"

// Device is the control-plane view of a managed endpoint. Risk score
// and compliance status are advisory caches; authorization recomputes
// the live decision at request time.
type Device struct {
	DeviceID           string `gorm:"primaryKey"`
	DeviceName         string
	UserID             string `gorm:"index"`
	PubKeyB64          string
	LifecycleState     string `gorm:"index;default:pending"`
	PolicyHash         string // expected policy hash
	ReportedPolicyHash string
	ComplianceStatus   string
	RiskScore          float64
	AgentVersion       string
	OSBuild            string
	LastSeen           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// User carries the 2FA enrollment state consulted during command
// authorization. Registration/login live elsewhere.
type User struct {
	UserID           string `gorm:"primaryKey"`
	Role             string
	TwoFactorSecret  string
	TwoFactorEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Command is created only after authorization succeeds. The sequence
// number, envelope, and signatures are filled in at dispatch time so
// the record is self-describing even if the network call fails.
type Command struct {
	ID              string `gorm:"primaryKey"`
	ClientMessageID string `gorm:"index"`
	DeviceID        string `gorm:"index"`
	UserID          string
	UserRole        string
	Method          string
	Params          string `gorm:"type:text"` // JSON
	Sensitive       bool
	State           string `gorm:"index"`
	Reason          string
	TraceID         string
	ServerSeq       *int64
	Envelope        string `gorm:"type:text"` // JSON
	EnvelopeSig     string
	RequestSig      string
	Result          string `gorm:"type:text"` // JSON
	ErrorCode       *int
	ErrorMessage    string
	QueuedAt        time.Time
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Command lifecycle states.
const (
	CommandQueued      = "queued"
	CommandSent        = "sent"
	CommandAckReceived = "ack_received"
	CommandCompleted   = "completed"
	CommandFailed      = "failed"
)

// AuditTrailEntry is one link in the per-device hash chain. Hash is
// always digest(prev_hash || payload_hash); an empty prev hash marks
// the genesis entry.
type AuditTrailEntry struct {
	ID          uint   `gorm:"primaryKey"`
	AuditID     string `gorm:"uniqueIndex"`
	Actor       string
	ActorID     string
	DeviceID    string `gorm:"index"`
	EventType   string
	PayloadHash string
	PrevHash    string
	Hash        string
	Signature   string
	Timestamp   time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// StateVerification is a pending truth-loop check: the device promised
// to converge on ExpectedPolicyHash, and telemetry arriving at or after
// NotBefore decides whether it did.
type StateVerification struct {
	ID                 string `gorm:"primaryKey"`
	DeviceID           string `gorm:"index"`
	CommandID          string
	Method             string
	ExpectedPolicyHash string
	NotBefore          time.Time
	Status             string `gorm:"index;default:pending"`
	Details            string
	ResolvedAt         *time.Time
	CreatedAt          time.Time
}

// Verification statuses.
const (
	VerificationPending = "pending"
	VerificationOK      = "ok"
	VerificationFailed  = "failed"
)

// Alert is raised by the state verifier on truth-loop mismatch.
type Alert struct {
	AlertID      string `gorm:"primaryKey"`
	DeviceID     string `gorm:"index"`
	Severity     string
	Category     string
	Message      string
	Timestamp    time.Time
	Acknowledged bool
	CreatedAt    time.Time
}

// TelemetrySnapshot stores the latest ingested rollup per device.
type TelemetrySnapshot struct {
	ID        uint   `gorm:"primaryKey"`
	DeviceID  string `gorm:"index"`
	Rollup    string `gorm:"type:text"` // JSON
	RiskScore float64
	Timestamp time.Time
	CreatedAt time.Time
}

// WebhookNonce tracks recently seen webhook nonces for replay
// detection.
type WebhookNonce struct {
	ID     uint      `gorm:"primaryKey"`
	Source string    `gorm:"uniqueIndex:webhook_nonce"`
	Nonce  string    `gorm:"uniqueIndex:webhook_nonce"`
	SeenAt time.Time `gorm:"index"`
}
