package store

import "time"

type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

type Task struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	Completed   bool
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskWithRole is a task joined with the reader's granted role.
// Role is "owner" for owned tasks, otherwise the grant's role.
type TaskWithRole struct {
	Task
	Role string
}

// TaskPermission is a durable (task, user, role) grant. The owner of a task
// never has one; at most one exists per (TaskID, UserID), enforced by a
// unique index.
type TaskPermission struct {
	ID        string
	TaskID    string
	UserID    string
	Role      string
	CreatedAt time.Time
	// Joined user display info, populated by list queries.
	UserEmail string
	UserName  string
}

// Notification carries JSON tags because it is also the payload format on
// the dispatch queue.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	SenderID    string    `json:"senderId"`
	TaskID      *string   `json:"taskId"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

type ShareLink struct {
	ID           string
	Token        string
	TaskID       string
	CreatedBy    string
	PasswordHash *string
	ExpiresAt    *time.Time
	AccessCount  int
	RevokedAt    *time.Time
	CreatedAt    time.Time
}
