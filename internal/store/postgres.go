package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. The share coordinator relies on this to detect the loser of a
// concurrent create on (task_id, user_id).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- users ----

func (s *PostgresStore) EnsureUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, email, display_name, created_at
	`, user.ID, user.Email, user.DisplayName)

	var out User
	if err := row.Scan(&out.ID, &out.Email, &out.DisplayName, &out.CreatedAt); err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at FROM users WHERE id = $1
	`, userID)
	var out User
	if err := row.Scan(&out.ID, &out.Email, &out.DisplayName, &out.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at FROM users WHERE lower(email) = lower($1)
	`, email)
	var out User
	if err := row.Scan(&out.ID, &out.Email, &out.DisplayName, &out.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return out, nil
}

// ---- tasks ----

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, title, description)
		VALUES ($1, $2, $3, $4)
	`, task.ID, task.OwnerID, task.Title, task.Description)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, completed, completed_at, created_at, updated_at
		FROM tasks WHERE id = $1
	`, taskID)
	var out Task
	err := row.Scan(&out.ID, &out.OwnerID, &out.Title, &out.Description, &out.Completed, &out.CompletedAt, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return out, nil
}

// ListTasksForUser returns tasks the user owns or has a grant on, newest
// first, with the effective role materialized by the join.
func (s *PostgresStore) ListTasksForUser(ctx context.Context, userID string) ([]TaskWithRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.owner_id, t.title, t.description, t.completed, t.completed_at, t.created_at, t.updated_at,
			CASE WHEN t.owner_id = $1 THEN 'owner' ELSE p.role END AS role
		FROM tasks t
		LEFT JOIN task_permissions p ON p.task_id = t.id AND p.user_id = $1
		WHERE t.owner_id = $1 OR p.user_id IS NOT NULL
		ORDER BY t.created_at DESC, t.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]TaskWithRole, 0)
	for rows.Next() {
		var t TaskWithRole
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &t.Completed, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt, &t.Role); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateTaskContent(ctx context.Context, taskID, title, description string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = $2, description = $3, updated_at = NOW()
		WHERE id = $1
	`, taskID, title, description)
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task rows: %w", err)
	}
	return affected > 0, nil
}

// SetTaskCompleted flips the completed flag. It returns true only when the
// flag actually transitioned, so callers can tell a completion apart from a
// repeated request.
func (s *PostgresStore) SetTaskCompleted(ctx context.Context, taskID string, completed bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET completed = $2,
			completed_at = CASE WHEN $2 THEN NOW() ELSE NULL END,
			updated_at = NOW()
		WHERE id = $1 AND completed <> $2
	`, taskID, completed)
	if err != nil {
		return false, fmt.Errorf("set task completed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set task completed rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task rows: %w", err)
	}
	return affected > 0, nil
}

// ---- task permissions ----

func (s *PostgresStore) InsertTaskPermission(ctx context.Context, perm TaskPermission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_permissions (id, task_id, user_id, role)
		VALUES ($1, $2, $3, $4)
	`, perm.ID, perm.TaskID, perm.UserID, perm.Role)
	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("insert task permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTaskPermission(ctx context.Context, taskID, userID string) (TaskPermission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, user_id, role, created_at
		FROM task_permissions WHERE task_id = $1 AND user_id = $2
	`, taskID, userID)
	var out TaskPermission
	err := row.Scan(&out.ID, &out.TaskID, &out.UserID, &out.Role, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskPermission{}, err
		}
		return TaskPermission{}, fmt.Errorf("get task permission: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetTaskPermissionByID(ctx context.Context, permissionID string) (TaskPermission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, user_id, role, created_at
		FROM task_permissions WHERE id = $1
	`, permissionID)
	var out TaskPermission
	err := row.Scan(&out.ID, &out.TaskID, &out.UserID, &out.Role, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskPermission{}, err
		}
		return TaskPermission{}, fmt.Errorf("get task permission by id: %w", err)
	}
	return out, nil
}

// UpdateTaskPermissionRole changes the role of an existing grant in place and
// returns the grant as stored. sql.ErrNoRows when no grant exists.
func (s *PostgresStore) UpdateTaskPermissionRole(ctx context.Context, taskID, userID, role string) (TaskPermission, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE task_permissions SET role = $3
		WHERE task_id = $1 AND user_id = $2
		RETURNING id, task_id, user_id, role, created_at
	`, taskID, userID, role)
	var out TaskPermission
	err := row.Scan(&out.ID, &out.TaskID, &out.UserID, &out.Role, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskPermission{}, err
		}
		return TaskPermission{}, fmt.Errorf("update task permission role: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteTaskPermission(ctx context.Context, taskID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM task_permissions WHERE task_id = $1 AND user_id = $2
	`, taskID, userID)
	if err != nil {
		return false, fmt.Errorf("delete task permission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task permission rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListTaskPermissions(ctx context.Context, taskID string) ([]TaskPermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.task_id, p.user_id, p.role, p.created_at,
			COALESCE(u.email, ''), COALESCE(u.display_name, '')
		FROM task_permissions p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.task_id = $1
		ORDER BY p.created_at ASC, p.id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task permissions: %w", err)
	}
	defer rows.Close()

	items := make([]TaskPermission, 0)
	for rows.Next() {
		var p TaskPermission
		if err := rows.Scan(&p.ID, &p.TaskID, &p.UserID, &p.Role, &p.CreatedAt, &p.UserEmail, &p.UserName); err != nil {
			return nil, fmt.Errorf("scan task permission: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// ---- notifications ----

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, sender_id, task_id, kind, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.RecipientID, n.SenderID, n.TaskID, n.Kind, n.Message, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, recipient_id, sender_id, task_id, kind, message, read, created_at
		FROM notifications WHERE id = $1
	`, notificationID)
	var out Notification
	err := row.Scan(&out.ID, &out.RecipientID, &out.SenderID, &out.TaskID, &out.Kind, &out.Message, &out.Read, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Notification{}, err
		}
		return Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, sender_id, task_id, kind, message, read, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.SenderID, &n.TaskID, &n.Kind, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// MarkNotificationRead is idempotent: marking an already-read notification
// reports false with no error.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1 AND read = FALSE
	`, notificationID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE recipient_id = $1 AND read = FALSE
	`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read rows: %w", err)
	}
	return affected, nil
}

// ---- share links ----

func (s *PostgresStore) InsertShareLink(ctx context.Context, link ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, token, task_id, created_by, password_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, link.ID, link.Token, link.TaskID, link.CreatedBy, link.PasswordHash, link.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

// GetShareLinkByToken returns only links that are live: not revoked and not
// past their expiry.
func (s *PostgresStore) GetShareLinkByToken(ctx context.Context, token string) (ShareLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, token, task_id, created_by, password_hash, expires_at, access_count, revoked_at, created_at
		FROM share_links
		WHERE token = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())
	`, token)
	var out ShareLink
	err := row.Scan(&out.ID, &out.Token, &out.TaskID, &out.CreatedBy, &out.PasswordHash, &out.ExpiresAt, &out.AccessCount, &out.RevokedAt, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ShareLink{}, err
		}
		return ShareLink{}, fmt.Errorf("get share link: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListShareLinks(ctx context.Context, taskID string) ([]ShareLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token, task_id, created_by, password_hash, expires_at, access_count, revoked_at, created_at
		FROM share_links
		WHERE task_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	items := make([]ShareLink, 0)
	for rows.Next() {
		var l ShareLink
		if err := rows.Scan(&l.ID, &l.Token, &l.TaskID, &l.CreatedBy, &l.PasswordHash, &l.ExpiresAt, &l.AccessCount, &l.RevokedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (s *PostgresStore) RevokeShareLink(ctx context.Context, taskID, token string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET revoked_at = NOW()
		WHERE task_id = $1 AND token = $2 AND revoked_at IS NULL
	`, taskID, token)
	if err != nil {
		return false, fmt.Errorf("revoke share link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke share link rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) IncrementShareLinkAccess(ctx context.Context, linkID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET access_count = access_count + 1, last_accessed_at = NOW()
		WHERE id = $1
	`, linkID)
	if err != nil {
		return fmt.Errorf("increment share link access: %w", err)
	}
	return nil
}
