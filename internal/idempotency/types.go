package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key" json:"idempotencyKey"` // PK
	Status         string    `dynamodbav:"status" json:"status"`
	OrderID        string    `dynamodbav:"order_id,omitempty" json:"orderId,omitempty"`
	RequestHash    string    `dynamodbav:"request_hash,omitempty" json:"requestHash,omitempty"` // sha256 of the checkout payload
	ResponseBody   string    `dynamodbav:"response_body,omitempty" json:"responseBody,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty" json:"responseStatus,omitempty"` // e.g., 201
	CreatedAt      time.Time `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `dynamodbav:"updated_at" json:"updatedAt"`
	ExpiresAt      int64     `dynamodbav:"expires_at" json:"expiresAt"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty" json:"note,omitempty"`
}

// Expired reports whether the record's TTL has passed. DynamoDB deletes
// expired items lazily, so readers must check.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}
