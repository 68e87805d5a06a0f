package app

import (
	"context"
	crand "crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taskboard/api/internal/notify"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

// parseRFC3339 parses a time string in RFC3339 format, tolerating
// milliseconds from JavaScript's Date.toISOString().
func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

// ListShares returns the grants on a task, oldest first, joined with user
// display info. Owner and every shared user may look; the owner also sees
// the task's share links.
func (s *Service) ListShares(ctx context.Context, taskID string, session Session) (map[string]any, error) {
	_, role, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapRead)
	if err != nil {
		return nil, err
	}

	perms, err := s.store.ListTaskPermissions(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task permissions: %w", err)
	}

	payload := map[string]any{"permissions": sharePayloads(perms)}
	if role == rbac.RoleOwner {
		links, err := s.store.ListShareLinks(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("list share links: %w", err)
		}
		payload["shareLinks"] = shareLinkPayloads(links)
	}
	return payload, nil
}

// ShareTask grants a role on a task, addressing the target by user id or
// email. Sharing with an already-shared user updates the existing grant in
// place; only the create path notifies the target. Two share calls racing on
// the same (task, user) pair are serialized by the unique index: the losing
// insert comes back as a duplicate key and is retried as an update, never
// surfaced to the caller.
func (s *Service) ShareTask(ctx context.Context, taskID string, session Session, targetUserID, targetEmail, roleName string) (map[string]any, error) {
	role, ok := rbac.Normalize(roleName)
	if !ok {
		return nil, validationError("role must be 'editor' or 'viewer'")
	}

	task, _, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapShare)
	if err != nil {
		return nil, err
	}

	target, err := s.resolveShareTarget(ctx, targetUserID, targetEmail)
	if err != nil {
		return nil, err
	}
	if target.ID == task.OwnerID {
		return nil, validationError("cannot share a task with its owner")
	}

	if _, err := s.store.GetTaskPermission(ctx, taskID, target.ID); err == nil {
		updated, err := s.store.UpdateTaskPermissionRole(ctx, taskID, target.ID, string(role))
		if err != nil {
			return nil, fmt.Errorf("update share role: %w", err)
		}
		return sharePayloadWithUser(updated, target, false), nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task permission: %w", err)
	}

	perm := store.TaskPermission{
		ID:        util.NewID("perm"),
		TaskID:    taskID,
		UserID:    target.ID,
		Role:      string(role),
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertTaskPermission(ctx, perm); err != nil {
		if store.IsUniqueViolation(err) {
			// Lost the create race; the winner's grant exists, so this call
			// degrades to a role update. No notification on this path.
			updated, uerr := s.store.UpdateTaskPermissionRole(ctx, taskID, target.ID, string(role))
			if uerr != nil {
				return nil, fmt.Errorf("retry share as update: %w", uerr)
			}
			return sharePayloadWithUser(updated, target, false), nil
		}
		return nil, fmt.Errorf("insert task permission: %w", err)
	}

	s.indexTask(ctx, task)
	s.notify.Emit(store.Notification{
		RecipientID: target.ID,
		SenderID:    session.UserID,
		TaskID:      &task.ID,
		Kind:        notify.KindShareTask,
		Message:     fmt.Sprintf("%s shared %q with you", session.UserName, task.Title),
	})

	return sharePayloadWithUser(perm, target, true), nil
}

func (s *Service) resolveShareTarget(ctx context.Context, userID, email string) (store.User, error) {
	switch {
	case userID != "":
		user, err := s.store.GetUserByID(ctx, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, notFoundError("User not found")
		}
		if err != nil {
			return store.User{}, fmt.Errorf("lookup user: %w", err)
		}
		return user, nil
	case email != "":
		user, err := s.store.GetUserByEmail(ctx, email)
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, notFoundError("User not found")
		}
		if err != nil {
			return store.User{}, fmt.Errorf("lookup user by email: %w", err)
		}
		return user, nil
	default:
		return store.User{}, validationError("userId or email is required")
	}
}

// UpdateShareRole changes an existing grant's role. Owner-only, and silent:
// role changes never notify.
func (s *Service) UpdateShareRole(ctx context.Context, taskID, permissionID string, session Session, roleName string) (map[string]any, error) {
	role, ok := rbac.Normalize(roleName)
	if !ok {
		return nil, validationError("role must be 'editor' or 'viewer'")
	}

	if _, _, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapShare); err != nil {
		return nil, err
	}

	perm, err := s.store.GetTaskPermissionByID(ctx, permissionID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && perm.TaskID != taskID) {
		return nil, notFoundError("Permission not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get task permission: %w", err)
	}

	updated, err := s.store.UpdateTaskPermissionRole(ctx, taskID, perm.UserID, string(role))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Permission not found")
	}
	if err != nil {
		return nil, fmt.Errorf("update share role: %w", err)
	}

	return map[string]any{
		"id":        updated.ID,
		"taskId":    updated.TaskID,
		"userId":    updated.UserID,
		"role":      updated.Role,
		"createdAt": updated.CreatedAt,
	}, nil
}

// UnshareTask revokes a grant addressed by permission id or target user id.
// Owner-only and idempotent: revoking an absent grant is a success, so two
// racing unshares both come back ok.
func (s *Service) UnshareTask(ctx context.Context, taskID string, session Session, permissionID, targetUserID string) (map[string]any, error) {
	task, _, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapShare)
	if err != nil {
		return nil, err
	}

	userID := targetUserID
	if permissionID != "" {
		perm, err := s.store.GetTaskPermissionByID(ctx, permissionID)
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]any{"ok": true, "removed": false}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get task permission: %w", err)
		}
		if perm.TaskID != taskID {
			return nil, notFoundError("Permission not found")
		}
		userID = perm.UserID
	}
	if userID == "" {
		return nil, validationError("permissionId or userId is required")
	}

	removed, err := s.store.DeleteTaskPermission(ctx, taskID, userID)
	if err != nil {
		return nil, fmt.Errorf("delete task permission: %w", err)
	}
	if removed {
		s.indexTask(ctx, task)
	}
	return map[string]any{"ok": true, "removed": removed}, nil
}

// ---- share links ----

// CreateShareLink issues a read-only public link to a task, optionally
// password-protected and expiring.
func (s *Service) CreateShareLink(ctx context.Context, taskID string, session Session, password string, expiresAtStr *string) (map[string]any, error) {
	if _, _, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapShare); err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if expiresAtStr != nil && *expiresAtStr != "" {
		t, err := parseRFC3339(*expiresAtStr)
		if err != nil {
			return nil, validationError("Invalid expiresAt format")
		}
		expiresAt = &t
	}

	var passwordHash *string
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash link password: %w", err)
		}
		hashStr := string(hash)
		passwordHash = &hashStr
	}

	link := store.ShareLink{
		ID:           util.NewID("lnk"),
		Token:        generateSecureToken(32),
		TaskID:       taskID,
		CreatedBy:    session.UserID,
		PasswordHash: passwordHash,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertShareLink(ctx, link); err != nil {
		return nil, fmt.Errorf("insert share link: %w", err)
	}

	return map[string]any{
		"id":        link.ID,
		"token":     link.Token,
		"taskId":    link.TaskID,
		"protected": passwordHash != nil,
		"expiresAt": link.ExpiresAt,
		"createdAt": link.CreatedAt,
	}, nil
}

// RevokeShareLink disables a link. Idempotent like unshare.
func (s *Service) RevokeShareLink(ctx context.Context, taskID, token string, session Session) (map[string]any, error) {
	if _, _, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapShare); err != nil {
		return nil, err
	}
	revoked, err := s.store.RevokeShareLink(ctx, taskID, token)
	if err != nil {
		return nil, fmt.Errorf("revoke share link: %w", err)
	}
	return map[string]any{"ok": true, "revoked": revoked}, nil
}

// PublicShare resolves a share link token to a read-only task view. No
// session is involved; the token is the capability.
func (s *Service) PublicShare(ctx context.Context, token, password string) (map[string]any, error) {
	link, err := s.store.GetShareLinkByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Link not found or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("get share link: %w", err)
	}

	if link.PasswordHash != nil {
		if password == "" {
			return nil, domainError(403, "PASSWORD_REQUIRED", "This link is password protected", nil)
		}
		if bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)) != nil {
			return nil, domainError(403, "FORBIDDEN", "Incorrect password", nil)
		}
	}

	task, err := s.store.GetTask(ctx, link.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Link not found or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	// Access counting is best-effort; the read still succeeds without it.
	_ = s.store.IncrementShareLinkAccess(ctx, link.ID)

	return map[string]any{
		"task": map[string]any{
			"id":          task.ID,
			"title":       task.Title,
			"description": task.Description,
			"completed":   task.Completed,
			"completedAt": task.CompletedAt,
		},
	}, nil
}

func shareLinkPayloads(links []store.ShareLink) []map[string]any {
	formatted := make([]map[string]any, len(links))
	for i, l := range links {
		formatted[i] = map[string]any{
			"id":          l.ID,
			"token":       l.Token,
			"taskId":      l.TaskID,
			"protected":   l.PasswordHash != nil,
			"expiresAt":   l.ExpiresAt,
			"accessCount": l.AccessCount,
			"createdAt":   l.CreatedAt,
		}
	}
	return formatted
}

func sharePayloadWithUser(perm store.TaskPermission, user store.User, created bool) map[string]any {
	return map[string]any{
		"id":        perm.ID,
		"taskId":    perm.TaskID,
		"userId":    perm.UserID,
		"role":      perm.Role,
		"createdAt": perm.CreatedAt,
		"userEmail": user.Email,
		"userName":  user.DisplayName,
		"created":   created,
	}
}

func generateSecureToken(length int) string {
	b := make([]byte, length)
	if _, err := crand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}
