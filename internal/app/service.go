package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/notify"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

// Session identifies the actor behind a request. Identity is established
// externally; by the time a request reaches the service the actor id is
// trusted.
type Session struct {
	UserID   string
	UserName string
	Email    string
}

type dataStore interface {
	Ping(ctx context.Context) error

	EnsureUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)

	InsertTask(ctx context.Context, task store.Task) error
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	ListTasksForUser(ctx context.Context, userID string) ([]store.TaskWithRole, error)
	UpdateTaskContent(ctx context.Context, taskID, title, description string) (bool, error)
	SetTaskCompleted(ctx context.Context, taskID string, completed bool) (bool, error)
	DeleteTask(ctx context.Context, taskID string) (bool, error)

	InsertTaskPermission(ctx context.Context, perm store.TaskPermission) error
	GetTaskPermission(ctx context.Context, taskID, userID string) (store.TaskPermission, error)
	GetTaskPermissionByID(ctx context.Context, permissionID string) (store.TaskPermission, error)
	UpdateTaskPermissionRole(ctx context.Context, taskID, userID, role string) (store.TaskPermission, error)
	DeleteTaskPermission(ctx context.Context, taskID, userID string) (bool, error)
	ListTaskPermissions(ctx context.Context, taskID string) ([]store.TaskPermission, error)

	InsertNotification(ctx context.Context, n store.Notification) error
	GetNotification(ctx context.Context, notificationID string) (store.Notification, error)
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error)

	InsertShareLink(ctx context.Context, link store.ShareLink) error
	GetShareLinkByToken(ctx context.Context, token string) (store.ShareLink, error)
	ListShareLinks(ctx context.Context, taskID string) ([]store.ShareLink, error)
	RevokeShareLink(ctx context.Context, taskID, token string) (bool, error)
	IncrementShareLinkAccess(ctx context.Context, linkID string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	notify   *notify.Dispatcher
	searchMS *search.Service
}

func New(cfg config.Config, st dataStore, dispatcher *notify.Dispatcher, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		notify:   dispatcher,
		searchMS: searchService,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- sessions ----

// Login ensures the user exists and issues an actor token. There is no
// password here: authentication happens upstream and this endpoint is the
// trusted handoff.
func (s *Service) Login(ctx context.Context, email, displayName string) (map[string]any, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, validationError("email is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = email
	}

	user, err := s.store.EnsureUser(ctx, store.User{
		ID:          util.NewID("usr"),
		Email:       email,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Exp:   time.Now().Add(s.cfg.AccessTTL).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	return map[string]any{
		"token":    token,
		"userId":   user.ID,
		"userName": user.DisplayName,
		"email":    user.Email,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name, Email: claims.Email}, nil
}

func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return map[string]any{
		"id":          user.ID,
		"email":       user.Email,
		"displayName": user.DisplayName,
		"createdAt":   user.CreatedAt,
	}, nil
}

// ---- access guard ----

// resolveRole computes the effective role of userID on task. Owner is
// derived from the task itself; everyone else needs a grant.
func (s *Service) resolveRole(ctx context.Context, task store.Task, userID string) (rbac.Role, error) {
	if userID == task.OwnerID {
		return rbac.RoleOwner, nil
	}
	perm, err := s.store.GetTaskPermission(ctx, task.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Resolve(task.OwnerID, userID, "", false), nil
	}
	if err != nil {
		return rbac.RoleNone, fmt.Errorf("get task permission: %w", err)
	}
	return rbac.Resolve(task.OwnerID, userID, rbac.Role(perm.Role), true), nil
}

// checkTask authorizes actorID for capability on taskID. It runs before any
// mutation, so a denied request has zero side effects. A missing task is a
// 404; an insufficient role is a 403. The two are deliberately distinct.
func (s *Service) checkTask(ctx context.Context, taskID, actorID string, capability rbac.Capability) (store.Task, rbac.Role, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, rbac.RoleNone, notFoundError("Task not found")
	}
	if err != nil {
		return store.Task{}, rbac.RoleNone, fmt.Errorf("get task: %w", err)
	}

	role, err := s.resolveRole(ctx, task, actorID)
	if err != nil {
		return store.Task{}, rbac.RoleNone, err
	}
	if !rbac.Can(role, capability) {
		return store.Task{}, rbac.RoleNone, forbiddenError()
	}
	return task, role, nil
}

// ---- tasks ----

func (s *Service) CreateTask(ctx context.Context, session Session, title, description string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}

	task := store.Task{
		ID:          util.NewID("tsk"),
		OwnerID:     session.UserID,
		Title:       title,
		Description: description,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt

	s.indexTask(ctx, task)
	return taskPayload(task, rbac.RoleOwner, nil), nil
}

func (s *Service) GetTaskDetail(ctx context.Context, taskID string, session Session) (map[string]any, error) {
	task, role, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapRead)
	if err != nil {
		return nil, err
	}
	// sharedWith is derived from the permission records at read time; it is
	// never stored on the task.
	perms, err := s.store.ListTaskPermissions(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task permissions: %w", err)
	}
	return taskPayload(task, role, perms), nil
}

func (s *Service) ListTasks(ctx context.Context, session Session) (map[string]any, error) {
	items, err := s.store.ListTasksForUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]map[string]any, len(items))
	for i, item := range items {
		tasks[i] = taskPayload(item.Task, rbac.Role(item.Role), nil)
	}
	return map[string]any{"tasks": tasks}, nil
}

func (s *Service) UpdateTask(ctx context.Context, taskID string, session Session, title, description string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}

	task, role, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapWrite)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.UpdateTaskContent(ctx, taskID, title, description); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	task.Title = title
	task.Description = description
	task.UpdatedAt = time.Now()

	s.indexTask(ctx, task)
	return taskPayload(task, role, nil), nil
}

// CompleteTask marks a task done. When the completing actor is not the
// owner, the owner is notified; a repeated completion changes nothing and
// notifies nobody.
func (s *Service) CompleteTask(ctx context.Context, taskID string, session Session) (map[string]any, error) {
	task, role, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapComplete)
	if err != nil {
		return nil, err
	}

	changed, err := s.store.SetTaskCompleted(ctx, taskID, true)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	now := time.Now()
	task.Completed = true
	task.CompletedAt = &now

	if changed && session.UserID != task.OwnerID {
		s.notify.Emit(store.Notification{
			RecipientID: task.OwnerID,
			SenderID:    session.UserID,
			TaskID:      &task.ID,
			Kind:        notify.KindTaskComplete,
			Message:     fmt.Sprintf("%s completed %q", session.UserName, task.Title),
		})
	}

	s.indexTask(ctx, task)
	return taskPayload(task, role, nil), nil
}

func (s *Service) ReopenTask(ctx context.Context, taskID string, session Session) (map[string]any, error) {
	task, role, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapComplete)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.SetTaskCompleted(ctx, taskID, false); err != nil {
		return nil, fmt.Errorf("reopen task: %w", err)
	}
	task.Completed = false
	task.CompletedAt = nil

	s.indexTask(ctx, task)
	return taskPayload(task, role, nil), nil
}

func (s *Service) DeleteTask(ctx context.Context, taskID string, session Session) error {
	if _, _, err := s.checkTask(ctx, taskID, session.UserID, rbac.CapDelete); err != nil {
		return err
	}
	// Grants and share links go with the task via cascade.
	if _, err := s.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if s.searchMS != nil {
		s.searchMS.DeleteTask(taskID)
	}
	return nil
}

// ---- search ----

func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (map[string]any, error) {
	if s.searchMS == nil {
		return map[string]any{"results": []any{}, "total": 0, "query": text}, nil
	}
	response := s.searchMS.Search(search.Query{
		Text:   text,
		UserID: session.UserID,
		Limit:  limit,
		Offset: offset,
	})
	return map[string]any{
		"results": response.Results,
		"total":   response.Total,
		"query":   response.Query,
	}, nil
}

// indexTask refreshes the search index entry for a task, including its
// allowed-user set.
func (s *Service) indexTask(ctx context.Context, task store.Task) {
	if s.searchMS == nil {
		return
	}
	allowed := []string{task.OwnerID}
	if perms, err := s.store.ListTaskPermissions(ctx, task.ID); err == nil {
		for _, p := range perms {
			allowed = append(allowed, p.UserID)
		}
	}
	s.searchMS.IndexTask(search.TaskRecord{
		ID:             task.ID,
		Title:          task.Title,
		Description:    task.Description,
		OwnerID:        task.OwnerID,
		Completed:      task.Completed,
		AllowedUserIDs: allowed,
	})
}

// ---- notifications ----

func (s *Service) ListNotifications(ctx context.Context, session Session, limit int) (map[string]any, error) {
	items, err := s.store.ListNotifications(ctx, session.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return map[string]any{"notifications": items}, nil
}

// MarkNotificationRead is idempotent; only the recipient may mark their own
// notification.
func (s *Service) MarkNotificationRead(ctx context.Context, notificationID string, session Session) (map[string]any, error) {
	n, err := s.store.GetNotification(ctx, notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Notification not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	if n.RecipientID != session.UserID {
		return nil, forbiddenError()
	}
	if _, err := s.store.MarkNotificationRead(ctx, notificationID); err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) (map[string]any, error) {
	updated, err := s.store.MarkAllNotificationsRead(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("mark all notifications read: %w", err)
	}
	return map[string]any{"ok": true, "updated": updated}, nil
}

// ---- payload helpers ----

// permissionFlags is computed fresh on every read so a role change is
// visible immediately; it is never cached on the entity.
func permissionFlags(role rbac.Role) map[string]any {
	return map[string]any{
		"role":        string(role),
		"isOwner":     role == rbac.RoleOwner,
		"canEdit":     rbac.Can(role, rbac.CapWrite),
		"canComplete": rbac.Can(role, rbac.CapComplete),
		"canDelete":   rbac.Can(role, rbac.CapDelete),
		"canShare":    rbac.Can(role, rbac.CapShare),
	}
}

func taskPayload(task store.Task, role rbac.Role, shares []store.TaskPermission) map[string]any {
	payload := map[string]any{
		"id":          task.ID,
		"ownerId":     task.OwnerID,
		"title":       task.Title,
		"description": task.Description,
		"completed":   task.Completed,
		"completedAt": task.CompletedAt,
		"createdAt":   task.CreatedAt,
		"updatedAt":   task.UpdatedAt,
		"permissions": permissionFlags(role),
	}
	if shares != nil {
		payload["sharedWith"] = sharePayloads(shares)
	}
	return payload
}

func sharePayloads(perms []store.TaskPermission) []map[string]any {
	formatted := make([]map[string]any, len(perms))
	for i, p := range perms {
		formatted[i] = map[string]any{
			"id":        p.ID,
			"taskId":    p.TaskID,
			"userId":    p.UserID,
			"role":      p.Role,
			"createdAt": p.CreatedAt,
			"userEmail": p.UserEmail,
			"userName":  p.UserName,
		}
	}
	return formatted
}
