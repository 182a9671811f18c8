package types

import "time"

// Status is the soft-delete / activation flag shared by all persisted
// rows, matching the teacher's convention of a BaseModel mixin.
type Status string

const (
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// BaseModel carries the audit columns common to every persisted entity.
type BaseModel struct {
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	EnvironmentID string    `db:"environment_id" json:"environment_id,omitempty"`
	Status        Status    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
	CreatedBy     string    `db:"created_by" json:"created_by,omitempty"`
	UpdatedBy     string    `db:"updated_by" json:"updated_by,omitempty"`
}

// CursorPaginationRequest is the C12 cursor-pagination contract.
type CursorPaginationRequest struct {
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor,omitempty"`
}

// CursorPage wraps a page of items plus the cursor for the next page;
// NextCursor is empty when the caller has reached the end.
type CursorPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}
