package domain

import "time"

type DuplicateType string

const (
	DuplicateNone           DuplicateType = "none"
	DuplicateProviderID     DuplicateType = "provider_id"
	DuplicateContentHash    DuplicateType = "content_hash"
	DuplicateSimilarContent DuplicateType = "similar_content"
)

type DuplicateCheckResult struct {
	IsDuplicate       bool          `json:"is_duplicate"`
	DuplicateType     DuplicateType `json:"duplicate_type"`
	Confidence        float64       `json:"confidence"`
	ExistingMessageID string        `json:"existing_message_id,omitempty"`
}

// NotDuplicate is the zero-signal result.
func NotDuplicate() DuplicateCheckResult {
	return DuplicateCheckResult{DuplicateType: DuplicateNone}
}

type IdentityResolution struct {
	CustomerID        string   `json:"customer_id,omitempty"`
	IsNewCustomer     bool     `json:"is_new_customer"`
	Confidence        float64  `json:"confidence"`
	MatchedIdentities []string `json:"matched_identities,omitempty"`
	SuggestedName     *string  `json:"suggested_name,omitempty"`
}

type ThreadingResult struct {
	ConversationID    string   `json:"conversation_id,omitempty"`
	IsNewConversation bool     `json:"is_new_conversation"`
	ThreadKey         string   `json:"thread_key"`
	RelatedMessages   []string `json:"related_messages,omitempty"`
}

type IngestionStatus string

const (
	StatusSuccess   IngestionStatus = "success"
	StatusDuplicate IngestionStatus = "duplicate"
	StatusFailed    IngestionStatus = "failed"
)

// Pipeline stage names recorded in ProcessingMetrics.
const (
	StageNormalize   = "normalize"
	StageMedia       = "media"
	StageIdempotency = "idempotency"
	StageDedup       = "dedup"
	StageIdentity    = "identity"
	StageThreading   = "threading"
	StagePersist     = "persist"
	StageActivity    = "activity"
)

type ProcessingMetrics struct {
	StagesCompleted []string      `json:"stages_completed"`
	StagesFailed    []string      `json:"stages_failed"`
	Duration        time.Duration `json:"duration"`
}

type IngestionResult struct {
	Status             IngestionStatus     `json:"status"`
	MessageID          string              `json:"message_id,omitempty"`
	NormalizedMessage  *NormalizedMessage  `json:"normalized_message,omitempty"`
	IdentityResolution *IdentityResolution `json:"identity_resolution,omitempty"`
	ThreadingContext   *ThreadingResult    `json:"threading_context,omitempty"`
	Error              *IngestionError     `json:"error,omitempty"`
	ProcessingMetrics  ProcessingMetrics   `json:"processing_metrics"`
}
