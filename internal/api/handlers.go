package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/InnerGuide/internal/flow"
	"github.com/BTreeMap/InnerGuide/internal/models"
	"github.com/BTreeMap/InnerGuide/internal/store"
)

// BackupEntry is one row of the backups listing.
type BackupEntry struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type restoreRequest struct {
	Backup string `json:"backup"`
}

var csvHeader = []string{"ID", "User ID", "Role", "Timestamp", "Content"}

func (s *Server) triggerScheduledMessagesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.triggerScheduledMessagesHandler: sending scheduled messages")
	summary, err := s.broadcaster.SendScheduledMessages(r.Context())
	if err != nil {
		slog.Error("Server.triggerScheduledMessagesHandler: failed to send scheduled messages", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send scheduled messages"))
		return
	}
	slog.Info("Server.triggerScheduledMessagesHandler: scheduled messages sent",
		"users", summary.Users, "sent", summary.Sent, "failed", summary.Failed, "skipped", summary.Skipped)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scheduled messages sent", summary))
}

func (s *Server) listUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.st.GetActiveUsers(r.Context())
	if err != nil {
		slog.Error("Server.listUsersHandler: failed to list users", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list users"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(users))
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	profile, err := s.st.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Server.getUserHandler: failed to load user", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load user"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

func (s *Server) getMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	messages, err := s.st.GetMessageHistory(r.Context(), userID)
	if err != nil {
		slog.Error("Server.getMessagesHandler: failed to load messages", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

func (s *Server) clearHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := s.history.ClearHistory(r.Context(), userID); err != nil {
		slog.Error("Server.clearHistoryHandler: failed to clear history", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear history"))
		return
	}
	slog.Info("Server.clearHistoryHandler: history cleared", "userID", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("History cleared", nil))
}

func (s *Server) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	keys, err := s.history.ListBackups(r.Context(), userID)
	if err != nil {
		slog.Error("Server.listBackupsHandler: failed to list backups", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list backups"))
		return
	}
	entries := make([]BackupEntry, 0, len(keys))
	for _, key := range keys {
		entry := BackupEntry{Key: key, Label: key}
		if _, at, err := models.ParseBackupKey(key); err == nil {
			entry.Label = models.FormatBackupLabel(at)
		}
		entries = append(entries, entry)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) restoreBackupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	userID := chi.URLParam(r, "id")

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.restoreBackupHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.Backup = strings.TrimSpace(req.Backup)
	if req.Backup == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("backup is required"))
		return
	}

	err := s.history.RestoreBackup(r.Context(), userID, req.Backup)
	switch {
	case err == nil:
		slog.Info("Server.restoreBackupHandler: backup restored", "userID", userID, "backup", req.Backup)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Backup restored", nil))
	case errors.Is(err, models.ErrInvalidBackupKey), errors.Is(err, flow.ErrForeignBackup):
		slog.Warn("Server.restoreBackupHandler: rejected backup key", "userID", userID, "backup", req.Backup, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid backup key"))
	case errors.Is(err, store.ErrBackupNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Backup not found"))
	default:
		slog.Error("Server.restoreBackupHandler: failed to restore backup", "userID", userID, "backup", req.Backup, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to restore backup"))
	}
}

// exportMessagesHandler renders every stored message as CSV. The document is
// built in memory so a store failure still yields a JSON error.
func (s *Server) exportMessagesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	users, err := s.st.GetActiveUsers(ctx)
	if err != nil {
		slog.Error("Server.exportMessagesHandler: failed to list users", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to export messages"))
		return
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(csvHeader); err != nil {
		slog.Error("Server.exportMessagesHandler: failed to write header", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to export messages"))
		return
	}
	rows := 0
	for _, user := range users {
		messages, err := s.st.GetMessageHistory(ctx, user.ID)
		if err != nil {
			slog.Error("Server.exportMessagesHandler: failed to load messages", "userID", user.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to export messages"))
			return
		}
		for _, msg := range messages {
			record := []string{msg.ID, msg.UserID, string(msg.Role), msg.Timestamp.UTC().Format(time.RFC3339), msg.Message}
			if err := cw.Write(record); err != nil {
				slog.Error("Server.exportMessagesHandler: failed to write row", "error", err)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to export messages"))
				return
			}
			rows++
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("Server.exportMessagesHandler: failed to flush CSV", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to export messages"))
		return
	}

	slog.Info("Server.exportMessagesHandler: messages exported", "users", len(users), "rows", rows)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="messages.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Server.exportMessagesHandler: failed to write response", "error", err)
	}
}
