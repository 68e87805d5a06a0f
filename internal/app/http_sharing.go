package app

import (
	"net/http"
	"strconv"
	"strings"
)

// routeSharing dispatches /api/tasks/{id}/permissions and
// /api/tasks/{id}/share-links routes. Returns true if it handled the request.
func (s *HTTPServer) routeSharing(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	taskID := parts[2]

	if parts[3] == "permissions" {
		if len(parts) == 4 && r.Method == http.MethodGet {
			payload, err := s.service.ListShares(r.Context(), taskID, session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}

		if len(parts) == 4 && r.Method == http.MethodPost {
			var body struct {
				UserID string `json:"userId"`
				Email  string `json:"email"`
				Role   string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.ShareTask(r.Context(), taskID, session, body.UserID, body.Email, body.Role)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			status := http.StatusOK
			if created, ok := payload["created"].(bool); ok && created {
				status = http.StatusCreated
			}
			writeJSON(w, status, payload)
			return true
		}

		// Revoke by user id when no permission id is in the path.
		if len(parts) == 4 && r.Method == http.MethodDelete {
			userID := strings.TrimSpace(r.URL.Query().Get("userId"))
			payload, err := s.service.UnshareTask(r.Context(), taskID, session, "", userID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}

		if len(parts) == 5 && r.Method == http.MethodPut {
			permissionID := parts[4]
			var body struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.UpdateShareRole(r.Context(), taskID, permissionID, session, body.Role)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}

		if len(parts) == 5 && r.Method == http.MethodDelete {
			permissionID := parts[4]
			payload, err := s.service.UnshareTask(r.Context(), taskID, session, permissionID, "")
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}

		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return true
	}

	if parts[3] == "share-links" {
		if len(parts) == 4 && r.Method == http.MethodPost {
			var body struct {
				Password  string  `json:"password"`
				ExpiresAt *string `json:"expiresAt"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.CreateShareLink(r.Context(), taskID, session, body.Password, body.ExpiresAt)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			writeJSON(w, http.StatusCreated, payload)
			return true
		}

		if len(parts) == 5 && r.Method == http.MethodDelete {
			token := parts[4]
			payload, err := s.service.RevokeShareLink(r.Context(), taskID, token, session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}

		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return true
	}

	return false
}

// routeNotifications dispatches /api/notifications routes. Returns true if it
// handled the request.
func (s *HTTPServer) routeNotifications(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "notifications" {
		return false
	}

	if len(parts) == 2 && r.Method == http.MethodGet {
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return true
			}
			limit = parsed
		}
		payload, err := s.service.ListNotifications(r.Context(), session, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	if len(parts) == 3 && parts[2] == "read-all" && r.Method == http.MethodPost {
		payload, err := s.service.MarkAllNotificationsRead(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	if len(parts) == 4 && parts[3] == "read" && r.Method == http.MethodPost {
		notificationID := parts[2]
		payload, err := s.service.MarkNotificationRead(r.Context(), notificationID, session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	return true
}
