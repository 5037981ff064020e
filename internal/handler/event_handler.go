package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/notifyd/internal/model"
)

// EventServiceInterface はイベント受付ハンドラーが必要とするサービスインターフェース。
type EventServiceInterface interface {
	// Accept はイベントを解決してキューに投入し、挿入件数を返す。
	Accept(ctx context.Context, event *model.Event, reason string, channel model.Channel) (int, error)
}

// EventHandler はコンテンツイベント受付のHTTPハンドラー。
// ホストプラットフォームがイベント検出時に呼び出す境界であり、
// イベントの検出そのものはこのコアの範囲外。
type EventHandler struct {
	service EventServiceInterface
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventServiceInterface) *EventHandler {
	return &EventHandler{service: service}
}

// createEventRequest はイベント受付リクエストのボディ。
type createEventRequest struct {
	Kind        string `json:"kind"` // "post" または "comment"
	TenantID    string `json:"tenant_id"`
	ContentID   string `json:"content_id"`
	ContentType string `json:"content_type"`
	AuthorID    string `json:"author_id"`
	Body        string `json:"body"`
	ParentID    string `json:"parent_id"`
	ParentType  string `json:"parent_type"`
	Reason      string `json:"reason"`
	Channel     string `json:"channel"` // 省略時は"mail"
}

// createEventResponse はイベント受付レスポンス。
type createEventResponse struct {
	Enqueued int `json:"enqueued"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// Create はイベント受付を処理する。
// POST /events
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, &model.NotifyError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの形式が不正です。",
			Category: "config",
		})
		return
	}

	kind := model.EventKind(req.Kind)
	if kind != model.EventKindPost && kind != model.EventKindComment {
		writeErrorResponse(w, http.StatusBadRequest, &model.NotifyError{
			Code:     "INVALID_EVENT_KIND",
			Message:  "イベント種別はpostまたはcommentである必要があります。",
			Category: "config",
		})
		return
	}
	if req.TenantID == "" || req.ContentID == "" {
		writeErrorResponse(w, http.StatusBadRequest, &model.NotifyError{
			Code:     "INVALID_REQUEST",
			Message:  "tenant_idとcontent_idは必須です。",
			Category: "config",
		})
		return
	}

	channel := model.Channel(req.Channel)
	if channel == "" {
		channel = model.ChannelMail
	}

	event := &model.Event{
		Kind:        kind,
		TenantID:    req.TenantID,
		ContentID:   req.ContentID,
		ContentType: req.ContentType,
		AuthorID:    req.AuthorID,
		Body:        req.Body,
		ParentID:    req.ParentID,
		ParentType:  req.ParentType,
	}

	count, err := h.service.Accept(r.Context(), event, req.Reason, channel)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(createEventResponse{Enqueued: count})
}

// writeErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeErrorResponse(w http.ResponseWriter, statusCode int, nerr *model.NotifyError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     nerr.Code,
		Message:  nerr.Message,
		Category: nerr.Category,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var nerr *model.NotifyError
	if errors.As(err, &nerr) {
		writeErrorResponse(w, mapErrorToHTTPStatus(nerr), nerr)
		return
	}

	// NotifyError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeErrorResponse(w, http.StatusInternalServerError, &model.NotifyError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
	})
}

// mapErrorToHTTPStatus はNotifyErrorコードからHTTPステータスコードにマッピングする。
func mapErrorToHTTPStatus(nerr *model.NotifyError) int {
	switch nerr.Code {
	case model.ErrCodeTriggerNotFound:
		return http.StatusUnprocessableEntity
	case model.ErrCodeTriggerLookup, model.ErrCodeMembershipLookup, model.ErrCodeSettingsLookup:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
