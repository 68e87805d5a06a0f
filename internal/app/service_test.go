package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"taskboard/api/internal/config"
	"taskboard/api/internal/notify"
	"taskboard/api/internal/store"
)

type fakeStore struct {
	ensureUserFn               func(context.Context, store.User) (store.User, error)
	getUserByIDFn              func(context.Context, string) (store.User, error)
	getUserByEmailFn           func(context.Context, string) (store.User, error)
	insertTaskFn               func(context.Context, store.Task) error
	getTaskFn                  func(context.Context, string) (store.Task, error)
	listTasksForUserFn         func(context.Context, string) ([]store.TaskWithRole, error)
	updateTaskContentFn        func(context.Context, string, string, string) (bool, error)
	setTaskCompletedFn         func(context.Context, string, bool) (bool, error)
	deleteTaskFn               func(context.Context, string) (bool, error)
	insertTaskPermissionFn     func(context.Context, store.TaskPermission) error
	getTaskPermissionFn        func(context.Context, string, string) (store.TaskPermission, error)
	getTaskPermissionByIDFn    func(context.Context, string) (store.TaskPermission, error)
	updateTaskPermissionRoleFn func(context.Context, string, string, string) (store.TaskPermission, error)
	deleteTaskPermissionFn     func(context.Context, string, string) (bool, error)
	listTaskPermissionsFn      func(context.Context, string) ([]store.TaskPermission, error)
	insertNotificationFn       func(context.Context, store.Notification) error
	getNotificationFn          func(context.Context, string) (store.Notification, error)
	listNotificationsFn        func(context.Context, string, int) ([]store.Notification, error)
	markNotificationReadFn     func(context.Context, string) (bool, error)
	markAllNotificationsReadFn func(context.Context, string) (int64, error)
	insertShareLinkFn          func(context.Context, store.ShareLink) error
	getShareLinkByTokenFn      func(context.Context, string) (store.ShareLink, error)
	listShareLinksFn           func(context.Context, string) ([]store.ShareLink, error)
	revokeShareLinkFn          func(context.Context, string, string) (bool, error)

	mu            sync.Mutex
	notifications []store.Notification
	grants        []store.TaskPermission
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) EnsureUser(ctx context.Context, user store.User) (store.User, error) {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, user)
	}
	return user, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) error {
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, task)
	}
	return nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) ListTasksForUser(ctx context.Context, userID string) ([]store.TaskWithRole, error) {
	if f.listTasksForUserFn != nil {
		return f.listTasksForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateTaskContent(ctx context.Context, taskID, title, description string) (bool, error) {
	if f.updateTaskContentFn != nil {
		return f.updateTaskContentFn(ctx, taskID, title, description)
	}
	return true, nil
}
func (f *fakeStore) SetTaskCompleted(ctx context.Context, taskID string, completed bool) (bool, error) {
	if f.setTaskCompletedFn != nil {
		return f.setTaskCompletedFn(ctx, taskID, completed)
	}
	return true, nil
}
func (f *fakeStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, taskID)
	}
	return true, nil
}
func (f *fakeStore) InsertTaskPermission(ctx context.Context, perm store.TaskPermission) error {
	if f.insertTaskPermissionFn != nil {
		return f.insertTaskPermissionFn(ctx, perm)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, perm)
	return nil
}
func (f *fakeStore) GetTaskPermission(ctx context.Context, taskID, userID string) (store.TaskPermission, error) {
	if f.getTaskPermissionFn != nil {
		return f.getTaskPermissionFn(ctx, taskID, userID)
	}
	return store.TaskPermission{}, sql.ErrNoRows
}
func (f *fakeStore) GetTaskPermissionByID(ctx context.Context, permissionID string) (store.TaskPermission, error) {
	if f.getTaskPermissionByIDFn != nil {
		return f.getTaskPermissionByIDFn(ctx, permissionID)
	}
	return store.TaskPermission{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateTaskPermissionRole(ctx context.Context, taskID, userID, role string) (store.TaskPermission, error) {
	if f.updateTaskPermissionRoleFn != nil {
		return f.updateTaskPermissionRoleFn(ctx, taskID, userID, role)
	}
	return store.TaskPermission{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteTaskPermission(ctx context.Context, taskID, userID string) (bool, error) {
	if f.deleteTaskPermissionFn != nil {
		return f.deleteTaskPermissionFn(ctx, taskID, userID)
	}
	return false, nil
}
func (f *fakeStore) ListTaskPermissions(ctx context.Context, taskID string) ([]store.TaskPermission, error) {
	if f.listTaskPermissionsFn != nil {
		return f.listTaskPermissionsFn(ctx, taskID)
	}
	return nil, nil
}
func (f *fakeStore) InsertNotification(ctx context.Context, n store.Notification) error {
	if f.insertNotificationFn != nil {
		return f.insertNotificationFn(ctx, n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}
func (f *fakeStore) GetNotification(ctx context.Context, notificationID string) (store.Notification, error) {
	if f.getNotificationFn != nil {
		return f.getNotificationFn(ctx, notificationID)
	}
	return store.Notification{}, sql.ErrNoRows
}
func (f *fakeStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]store.Notification, error) {
	if f.listNotificationsFn != nil {
		return f.listNotificationsFn(ctx, recipientID, limit)
	}
	return nil, nil
}
func (f *fakeStore) MarkNotificationRead(ctx context.Context, notificationID string) (bool, error) {
	if f.markNotificationReadFn != nil {
		return f.markNotificationReadFn(ctx, notificationID)
	}
	return false, nil
}
func (f *fakeStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	if f.markAllNotificationsReadFn != nil {
		return f.markAllNotificationsReadFn(ctx, recipientID)
	}
	return 0, nil
}
func (f *fakeStore) InsertShareLink(ctx context.Context, link store.ShareLink) error {
	if f.insertShareLinkFn != nil {
		return f.insertShareLinkFn(ctx, link)
	}
	return nil
}
func (f *fakeStore) GetShareLinkByToken(ctx context.Context, token string) (store.ShareLink, error) {
	if f.getShareLinkByTokenFn != nil {
		return f.getShareLinkByTokenFn(ctx, token)
	}
	return store.ShareLink{}, sql.ErrNoRows
}
func (f *fakeStore) ListShareLinks(ctx context.Context, taskID string) ([]store.ShareLink, error) {
	if f.listShareLinksFn != nil {
		return f.listShareLinksFn(ctx, taskID)
	}
	return nil, nil
}
func (f *fakeStore) RevokeShareLink(ctx context.Context, taskID, token string) (bool, error) {
	if f.revokeShareLinkFn != nil {
		return f.revokeShareLinkFn(ctx, taskID, token)
	}
	return false, nil
}
func (f *fakeStore) IncrementShareLinkAccess(context.Context, string) error { return nil }

func (f *fakeStore) sentNotifications() []store.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Notification, len(f.notifications))
	copy(out, f.notifications)
	return out
}

// newTestService wires the service with an inline dispatcher: no queue means
// every Emit persists synchronously through the fake store.
func newTestService(fs *fakeStore) *Service {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	dispatcher := notify.NewDispatcher(nil, fs, logger)
	cfg := config.Config{TokenSecret: "test-secret", AccessTTL: time.Hour}
	return New(cfg, fs, dispatcher, nil)
}

func ownedTask(taskID, ownerID string) func(context.Context, string) (store.Task, error) {
	return func(_ context.Context, id string) (store.Task, error) {
		if id != taskID {
			return store.Task{}, sql.ErrNoRows
		}
		return store.Task{ID: taskID, OwnerID: ownerID, Title: "Quarterly report"}, nil
	}
}

func grantFor(taskID, userID, role string) func(context.Context, string, string) (store.TaskPermission, error) {
	return func(_ context.Context, tid, uid string) (store.TaskPermission, error) {
		if tid == taskID && uid == userID {
			return store.TaskPermission{ID: "perm-1", TaskID: tid, UserID: uid, Role: role}, nil
		}
		return store.TaskPermission{}, sql.ErrNoRows
	}
}

func assertDomainStatus(t *testing.T, err error, status int) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Code)
	}
}

func TestMissingTaskIsNotFoundNotForbidden(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.GetTaskDetail(context.Background(), "tsk-missing", Session{UserID: "usr-a"})
	assertDomainStatus(t, err, 404)
}

func TestDeniedMutationHasNoSideEffects(t *testing.T) {
	updateCalled := false
	fs := &fakeStore{
		getTaskFn:           ownedTask("tsk-1", "usr-owner"),
		getTaskPermissionFn: grantFor("tsk-1", "usr-viewer", "viewer"),
		updateTaskContentFn: func(context.Context, string, string, string) (bool, error) {
			updateCalled = true
			return true, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateTask(context.Background(), "tsk-1", Session{UserID: "usr-viewer"}, "New title", "")
	assertDomainStatus(t, err, 403)
	if updateCalled {
		t.Fatalf("denied update must not touch the store")
	}
}

func TestStrangerGetsForbiddenOnExistingTask(t *testing.T) {
	fs := &fakeStore{getTaskFn: ownedTask("tsk-1", "usr-owner")}
	svc := newTestService(fs)

	_, err := svc.GetTaskDetail(context.Background(), "tsk-1", Session{UserID: "usr-stranger"})
	assertDomainStatus(t, err, 403)
}

func TestOwnerRoleIsDerivedNotLookedUp(t *testing.T) {
	permLookups := 0
	fs := &fakeStore{
		getTaskFn: ownedTask("tsk-1", "usr-owner"),
		getTaskPermissionFn: func(context.Context, string, string) (store.TaskPermission, error) {
			permLookups++
			return store.TaskPermission{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetTaskDetail(context.Background(), "tsk-1", Session{UserID: "usr-owner"})
	if err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if permLookups != 0 {
		t.Fatalf("owner role must come from the task row, not the grant table")
	}
	flags := payload["permissions"].(map[string]any)
	if flags["isOwner"] != true || flags["canShare"] != true || flags["canDelete"] != true {
		t.Fatalf("unexpected owner flags: %v", flags)
	}
}

func TestViewerFlagsAreReadOnly(t *testing.T) {
	fs := &fakeStore{
		getTaskFn:           ownedTask("tsk-1", "usr-owner"),
		getTaskPermissionFn: grantFor("tsk-1", "usr-viewer", "viewer"),
	}
	svc := newTestService(fs)

	payload, err := svc.GetTaskDetail(context.Background(), "tsk-1", Session{UserID: "usr-viewer"})
	if err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	flags := payload["permissions"].(map[string]any)
	if flags["role"] != "viewer" || flags["canEdit"] != false || flags["canDelete"] != false || flags["canShare"] != false {
		t.Fatalf("unexpected viewer flags: %v", flags)
	}
}

func TestCompleteByEditorNotifiesOwner(t *testing.T) {
	fs := &fakeStore{
		getTaskFn:           ownedTask("tsk-1", "usr-owner"),
		getTaskPermissionFn: grantFor("tsk-1", "usr-editor", "editor"),
	}
	svc := newTestService(fs)

	_, err := svc.CompleteTask(context.Background(), "tsk-1", Session{UserID: "usr-editor", UserName: "Robin"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	sent := fs.sentNotifications()
	if len(sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sent))
	}
	n := sent[0]
	if n.Kind != notify.KindTaskComplete {
		t.Fatalf("expected kind task_complete, got %s", n.Kind)
	}
	if n.RecipientID != "usr-owner" || n.SenderID != "usr-editor" {
		t.Fatalf("notification routed wrong: recipient=%s sender=%s", n.RecipientID, n.SenderID)
	}
	if n.ID == "" || n.CreatedAt.IsZero() {
		t.Fatalf("notification must be stamped before dispatch")
	}
}

func TestCompleteByOwnerDoesNotNotify(t *testing.T) {
	fs := &fakeStore{getTaskFn: ownedTask("tsk-1", "usr-owner")}
	svc := newTestService(fs)

	if _, err := svc.CompleteTask(context.Background(), "tsk-1", Session{UserID: "usr-owner"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(fs.sentNotifications()) != 0 {
		t.Fatalf("owner completing their own task must not notify")
	}
}

func TestRepeatCompleteDoesNotNotifyTwice(t *testing.T) {
	fs := &fakeStore{
		getTaskFn:           ownedTask("tsk-1", "usr-owner"),
		getTaskPermissionFn: grantFor("tsk-1", "usr-editor", "editor"),
		setTaskCompletedFn: func(context.Context, string, bool) (bool, error) {
			// Already completed, no transition.
			return false, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CompleteTask(context.Background(), "tsk-1", Session{UserID: "usr-editor"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(fs.sentNotifications()) != 0 {
		t.Fatalf("no state transition means no notification")
	}
}

func TestViewerCannotComplete(t *testing.T) {
	completed := false
	fs := &fakeStore{
		getTaskFn:           ownedTask("tsk-1", "usr-owner"),
		getTaskPermissionFn: grantFor("tsk-1", "usr-viewer", "viewer"),
		setTaskCompletedFn: func(context.Context, string, bool) (bool, error) {
			completed = true
			return true, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CompleteTask(context.Background(), "tsk-1", Session{UserID: "usr-viewer"})
	assertDomainStatus(t, err, 403)
	if completed {
		t.Fatalf("denied completion must not touch the store")
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateTask(context.Background(), Session{UserID: "usr-a"}, "   ", "details")
	assertDomainStatus(t, err, 422)
}

func TestMarkNotificationReadRequiresRecipient(t *testing.T) {
	marked := false
	fs := &fakeStore{
		getNotificationFn: func(context.Context, string) (store.Notification, error) {
			return store.Notification{ID: "ntf-1", RecipientID: "usr-someone-else"}, nil
		},
		markNotificationReadFn: func(context.Context, string) (bool, error) {
			marked = true
			return true, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.MarkNotificationRead(context.Background(), "ntf-1", Session{UserID: "usr-a"})
	assertDomainStatus(t, err, 403)
	if marked {
		t.Fatalf("non-recipient must not mark the notification")
	}
}

func TestMarkNotificationReadIsIdempotent(t *testing.T) {
	fs := &fakeStore{
		getNotificationFn: func(context.Context, string) (store.Notification, error) {
			return store.Notification{ID: "ntf-1", RecipientID: "usr-a", Read: true}, nil
		},
		markNotificationReadFn: func(context.Context, string) (bool, error) {
			// Already read, nothing updated.
			return false, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.MarkNotificationRead(context.Background(), "ntf-1", Session{UserID: "usr-a"})
	if err != nil {
		t.Fatalf("second mark must still succeed: %v", err)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok payload, got %v", payload)
	}
}

func TestMarkMissingNotificationIsNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.MarkNotificationRead(context.Background(), "ntf-missing", Session{UserID: "usr-a"})
	assertDomainStatus(t, err, 404)
}

func TestLoginIssuesTokenRoundtrip(t *testing.T) {
	fs := &fakeStore{
		ensureUserFn: func(_ context.Context, user store.User) (store.User, error) {
			user.ID = "usr-1"
			return user, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.Login(context.Background(), "robin@example.com", "Robin")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("expected token")
	}

	session, err := svc.SessionFromToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if session.UserID != "usr-1" || session.UserName != "Robin" {
		t.Fatalf("unexpected session: %+v", session)
	}
}
