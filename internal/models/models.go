package models

import (
	"time"
)

// JobState enumerates send job lifecycle states persisted in Postgres.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateLeased    JobState = "leased"
	StateSent      JobState = "sent"
	StateFailed    JobState = "failed"
	StateSkipped   JobState = "skipped"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateSent, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// SendJob is the durable unit of outbound delivery work. Rows are never
// deleted; terminal jobs remain as an audit trail of delivery attempts.
type SendJob struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	CampaignID        *string    `json:"campaign_id,omitempty"`
	MessageID         string     `json:"message_id"`
	State             JobState   `json:"state"`
	AttemptCount      int        `json:"attempt_count"`
	MaxAttempts       int        `json:"max_attempts"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	ErrorDetail       *string    `json:"error_detail,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	DedupeKey         *string    `json:"dedupe_key,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Message holds the content a SendJob delivers. Written once by the
// producer; the worker only reads it.
type Message struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	LeadID         *string   `json:"lead_id,omitempty"`
	Recipient      string    `json:"recipient"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	InReplyTo      *string   `json:"in_reply_to,omitempty"`
	AttachmentKeys []string  `json:"attachment_keys,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LeadStatus enumerates lead lifecycle states.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadClosed    LeadStatus = "closed"
)

// Lead is the domain entity a delivery touches as a side effect.
type Lead struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Email           string     `json:"email"`
	Status          LeadStatus `json:"status"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CampaignStatus enumerates campaign run states.
type CampaignStatus string

const (
	CampaignRunning CampaignStatus = "running"
	CampaignIdle    CampaignStatus = "idle"
)

// Campaign groups send jobs under a tenant.
type Campaign struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Status    CampaignStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Tenant is the isolation boundary for all jobs, messages, and leads.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats are per-tenant delivery counters derived by counting, not stored.
type Stats struct {
	Queued    int64 `json:"queued"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	SentToday int64 `json:"sent_today"`
}
