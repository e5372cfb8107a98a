package models

import (
	"time"

	"gorm.io/gorm"
)

// SettingsModel is the singleton settings row (id = 1).
type SettingsModel struct {
	ID               uint    `gorm:"primaryKey"`
	DefaultModel     string  `gorm:"size:128"`
	WorkingDirectory string  `gorm:"size:1024"`
	Language         string  `gorm:"size:8;default:en"`
	Temperature      float64 `gorm:"default:0.7"`
	MaxTokens        int     `gorm:"default:4096"`
	MaxIterations    int     `gorm:"default:10"`
	ABModelB         string  `gorm:"size:128"`
	ABSplit          float64 `gorm:"default:0"`
	UpdatedAt        time.Time
}

func (SettingsModel) TableName() string { return "settings" }

// SessionModel is a chat session. Deleting a session cascades to its
// messages and their tool interactions.
type SessionModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	Title            string `gorm:"size:500;not null"`
	WorkingDirectory string `gorm:"size:1024"`
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"index"`

	Messages []MessageModel `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

func (SessionModel) TableName() string { return "sessions" }

// MessageModel is one chat message inside a session.
type MessageModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;size:64;not null"`
	Role      string `gorm:"size:16;not null"` // user, assistant
	Content   string `gorm:"type:text;not null"`
	Model     string `gorm:"size:128"`
	Agent     string `gorm:"size:64"`
	CreatedAt time.Time `gorm:"index"`

	ToolInteractions []ToolInteractionModel `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

func (MessageModel) TableName() string { return "messages" }

// ToolInteractionModel records one tool dispatch that happened while
// producing the parent assistant message.
type ToolInteractionModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	MessageID  string `gorm:"index;size:64;not null"`
	ToolUseID  string `gorm:"size:128;not null"`
	ToolName   string `gorm:"size:128;not null"`
	ToolInput  string `gorm:"type:text"` // JSON
	Result     string `gorm:"type:text"`
	IsError    bool
	ExecutedAt time.Time
}

func (ToolInteractionModel) TableName() string { return "tool_interactions" }

// OAuthTokenModel is the per-provider OAuth singleton. Token columns hold
// vault output: "enc:..." ciphertext or legacy plaintext.
type OAuthTokenModel struct {
	Provider     string `gorm:"primaryKey;size:32"` // anthropic, google
	AuthMethod   string `gorm:"size:16"`            // oauth, api_key
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	ExpiresAt    int64  // unix seconds
	APIKey       string `gorm:"type:text"`
	Scope        string `gorm:"size:512"`
	UserEmail    string `gorm:"size:256"`
	UserName     string `gorm:"size:256"`
	UpdatedAt    time.Time
}

func (OAuthTokenModel) TableName() string { return "oauth_tokens" }

// ModelPinModel pins a model ID to a tier, overriding dynamic selection.
type ModelPinModel struct {
	UseCase  string `gorm:"primaryKey;size:32"` // commander, coordinator, executor, flash
	ModelID  string `gorm:"size:128;not null"`
	PinnedAt time.Time
}

func (ModelPinModel) TableName() string { return "model_pins" }

// McpServerModel is a configured MCP server (http or stdio transport).
type McpServerModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:128;uniqueIndex;not null"`
	Transport   string `gorm:"size:16;not null"` // http, stdio
	Command     string `gorm:"size:512"`
	Args        string `gorm:"type:text"` // JSON array
	Env         string `gorm:"type:text"` // JSON object
	URL         string `gorm:"size:1024"`
	AuthToken   string `gorm:"type:text"` // vault output
	Enabled     bool   `gorm:"default:true"`
	TimeoutSecs int    `gorm:"default:30"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Tools []McpToolModel `gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE"`
}

func (McpServerModel) TableName() string { return "mcp_servers" }

// McpToolModel mirrors a tool discovered on an MCP server.
type McpToolModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	ServerID     string `gorm:"index;size:64;not null"`
	Name         string `gorm:"size:256;not null"`
	Description  string `gorm:"type:text"`
	InputSchema  string `gorm:"type:text"` // JSON
	DiscoveredAt time.Time
}

func (McpToolModel) TableName() string { return "mcp_tools" }

// ServiceTokenModel stores encrypted tokens for external services
// (github, vercel, fly, ...). Value holds vault output.
type ServiceTokenModel struct {
	Service   string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (ServiceTokenModel) TableName() string { return "service_tokens" }

// AuditLogModel is an append-only action log.
type AuditLogModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Action    string `gorm:"size:128;index;not null"`
	Details   string `gorm:"type:text"` // JSON
	IPAddress string `gorm:"size:64"`
	CreatedAt time.Time
}

func (AuditLogModel) TableName() string { return "audit_log" }

// AgentUsageModel records token usage per upstream call, fire-and-forget.
type AgentUsageModel struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Model        string `gorm:"size:128"`
	Tier         string `gorm:"size:32"`
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	LatencyMs    int
	Success      bool
	CreatedAt    time.Time
}

func (AgentUsageModel) TableName() string { return "agent_usage" }

// All returns every model for AutoMigrate, leaf tables last.
func All() []interface{} {
	return []interface{}{
		&SettingsModel{},
		&SessionModel{},
		&MessageModel{},
		&ToolInteractionModel{},
		&OAuthTokenModel{},
		&ModelPinModel{},
		&McpServerModel{},
		&McpToolModel{},
		&ServiceTokenModel{},
		&AuditLogModel{},
		&AgentUsageModel{},
	}
}

// EnsureSettingsRow creates the singleton settings row if missing.
func EnsureSettingsRow(db *gorm.DB) error {
	var count int64
	if err := db.Model(&SettingsModel{}).Where("id = 1").Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return db.Create(&SettingsModel{ID: 1, Language: "en", Temperature: 0.7, MaxTokens: 4096, MaxIterations: 10}).Error
	}
	return nil
}
