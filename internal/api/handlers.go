/**
 * @description
 * This file contains the HTTP handlers for the card-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * The actor identity always comes from the validated JWT, never from the
 * request body. The idempotency key is read from the Idempotency-Key header,
 * falling back to the body field for clients that prefer it there.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/app"
	"github.com/korecard/card-service/internal/domain"
	"github.com/korecard/card-service/internal/store"
)

// CardHandlers holds the application service that handlers will use.
type CardHandlers struct {
	service *app.Service
}

// NewCardHandlers creates a new instance of CardHandlers.
func NewCardHandlers(service *app.Service) *CardHandlers {
	return &CardHandlers{service: service}
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func (h *CardHandlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}

func (h *CardHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encoding failed\" err=%v", err)
	}
}

// writeResult serializes a command result. Cached replays answer 200 and are
// flagged with the Idempotency-Replayed header; fresh executions use the
// handler's created status.
func (h *CardHandlers) writeResult(w http.ResponseWriter, freshStatus int, replayed bool, body interface{}) {
	status := freshStatus
	if replayed {
		w.Header().Set("Idempotency-Replayed", "true")
		status = http.StatusOK
	}
	h.writeJSON(w, status, body)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (h *CardHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var validationErr *app.ValidationError
	if errors.As(err, &validationErr) {
		h.writeError(w, http.StatusBadRequest, validationErr.Error())
		return
	}
	var mismatchErr *app.IdempotencyMismatchError
	if errors.As(err, &mismatchErr) {
		h.writeError(w, http.StatusUnprocessableEntity, mismatchErr.Error())
		return
	}
	var eligibilityErr *app.NotEligibleError
	if errors.As(err, &eligibilityErr) {
		h.writeError(w, http.StatusConflict, eligibilityErr.Error())
		return
	}
	var limitErr *app.LimitExceedsPolicyError
	if errors.As(err, &limitErr) {
		h.writeError(w, http.StatusUnprocessableEntity, limitErr.Error())
		return
	}
	var concurrencyErr *store.ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		h.writeError(w, http.StatusConflict, concurrencyErr.Error())
		return
	}
	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrCardNotFound),
		errors.Is(err, store.ErrRequestNotFound),
		errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrRequestAlreadyDecided):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInsufficientCredit):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// actorFromContext extracts the authenticated actor or writes a 500.
func (h *CardHandlers) actorFromContext(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	actorID, ok := GetActorID(r.Context())
	if !ok {
		http.Error(w, "Could not get actor ID from context", http.StatusInternalServerError)
		return uuid.Nil, false
	}
	return actorID, true
}

// idempotencyKey resolves the caller key: header first, body fallback.
func idempotencyKey(r *http.Request, bodyKey string) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(bodyKey)
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid %s format", param), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// RequestCardHandler handles new card applications.
func (h *CardHandlers) RequestCardHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}

	var body struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if r.Body != nil {
		// An empty body is fine; the key may arrive via header.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	cmd := domain.RequestCardCommand{
		UserID:         userID,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	}
	result, err := h.service.RequestCard(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, "request_card", err)
		return
	}
	log.Printf("level=info component=api endpoint=request_card outcome=%s user_id=%s request_id=%s replay=%t",
		result.Status, userID, result.RequestID, result.FromIdempotency)
	h.writeResult(w, http.StatusCreated, result.FromIdempotency, result)
}

// PurchaseHandler handles purchase commands against a card.
func (h *CardHandlers) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	cardID, ok := pathUUID(w, r, "cardID")
	if !ok {
		return
	}

	var body struct {
		Amount         int64  `json:"amount"`
		Description    string `json:"description"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	cmd := domain.PurchaseCommand{
		UserID:         userID,
		CardID:         cardID,
		Amount:         body.Amount,
		Description:    body.Description,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	}
	result, err := h.service.Purchase(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, "purchase", err)
		return
	}
	h.writeResult(w, http.StatusCreated, result.FromIdempotency, result)
}

// PaymentHandler handles payment commands against a card.
func (h *CardHandlers) PaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	cardID, ok := pathUUID(w, r, "cardID")
	if !ok {
		return
	}

	var body domain.PaymentCommand
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	cmd := domain.PaymentCommand{
		UserID:         userID,
		CardID:         cardID,
		Amount:         body.Amount,
		PaymentDate:    body.PaymentDate,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	}
	result, err := h.service.Payment(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, "payment", err)
		return
	}
	h.writeResult(w, http.StatusCreated, result.FromIdempotency, result)
}

// CancelCardHandler handles user-initiated card cancellation.
func (h *CardHandlers) CancelCardHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	cardID, ok := pathUUID(w, r, "cardID")
	if !ok {
		return
	}

	var body struct {
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	cmd := domain.CancelCardCommand{
		UserID:         userID,
		CardID:         cardID,
		Reason:         body.Reason,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	}
	result, err := h.service.CancelCard(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, "cancel_card", err)
		return
	}
	h.writeResult(w, http.StatusOK, result.FromIdempotency, result)
}

// GetProfileHandler returns the caller's score, tier and card summary.
func (h *CardHandlers) GetProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUserProfile(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_profile", err)
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

// ListCardsHandler returns the caller's cards, optionally filtered by status.
func (h *CardHandlers) ListCardsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	filter := domain.CardFilter{Status: strings.TrimSpace(r.URL.Query().Get("status"))}
	cards, err := h.service.ListCards(r.Context(), userID, filter)
	if err != nil {
		h.writeServiceError(w, "list_cards", err)
		return
	}
	h.writeJSON(w, http.StatusOK, cards)
}

// GetCardHandler returns one card owned by the caller.
func (h *CardHandlers) GetCardHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	cardID, ok := pathUUID(w, r, "cardID")
	if !ok {
		return
	}
	card, err := h.service.GetCard(r.Context(), userID, cardID)
	if err != nil {
		h.writeServiceError(w, "get_card", err)
		return
	}
	h.writeJSON(w, http.StatusOK, card)
}

// ListTransactionsHandler returns the ledger for one of the caller's cards.
func (h *CardHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	cardID, ok := pathUUID(w, r, "cardID")
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := domain.TransactionFilter{
		Type:   strings.TrimSpace(query.Get("type")),
		Status: strings.TrimSpace(query.Get("status")),
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset > 0 {
			filter.Offset = offset
		}
	}

	transactions, err := h.service.ListTransactions(r.Context(), userID, cardID, filter)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

// AdminGetRequestHandler returns one card request for review.
func (h *CardHandlers) AdminGetRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	request, err := h.service.GetRequest(r.Context(), requestID)
	if err != nil {
		h.writeServiceError(w, "admin_get_request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// AdminApproveRequestHandler approves a pending card request with an explicit limit.
func (h *CardHandlers) AdminApproveRequestHandler(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	requestID, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	var body struct {
		ApprovedLimit  int64  `json:"approved_limit"`
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	cmd := domain.AdminApproveCommand{
		AdminID:        adminID,
		RequestID:      requestID,
		ApprovedLimit:  body.ApprovedLimit,
		Reason:         body.Reason,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	}
	result, err := h.service.AdminApproveRequest(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, "admin_approve_request", err)
		return
	}
	log.Printf("level=info component=api endpoint=admin_approve_request admin_id=%s request_id=%s limit=%d replay=%t",
		adminID, requestID, body.ApprovedLimit, result.FromIdempotency)
	h.writeResult(w, http.StatusOK, result.FromIdempotency, result)
}

// AdminRejectRequestHandler rejects a pending card request.
func (h *CardHandlers) AdminRejectRequestHandler(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	requestID, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	var body struct {
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	cmd := domain.AdminRejectCommand{
		AdminID:        adminID,
		RequestID:      requestID,
		Reason:         body.Reason,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	}
	result, err := h.service.AdminRejectRequest(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, "admin_reject_request", err)
		return
	}
	h.writeResult(w, http.StatusOK, result.FromIdempotency, result)
}

// AdminSuspendCardHandler suspends an active card.
func (h *CardHandlers) AdminSuspendCardHandler(w http.ResponseWriter, r *http.Request) {
	h.adminCardTransition(w, r, h.service.SuspendCard)
}

// AdminReactivateCardHandler reactivates a suspended card.
func (h *CardHandlers) AdminReactivateCardHandler(w http.ResponseWriter, r *http.Request) {
	h.adminCardTransition(w, r, h.service.ReactivateCard)
}

func (h *CardHandlers) adminCardTransition(
	w http.ResponseWriter,
	r *http.Request,
	transition func(ctx context.Context, cmd domain.CardStatusCommand) (*domain.CardStatusResult, error),
) {
	adminID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	cardID, ok := pathUUID(w, r, "cardID")
	if !ok {
		return
	}

	var body struct {
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	cmd := domain.CardStatusCommand{
		AdminID:        adminID,
		CardID:         cardID,
		Reason:         body.Reason,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	}
	result, err := transition(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, "admin_card_transition", err)
		return
	}
	h.writeResult(w, http.StatusOK, result.FromIdempotency, result)
}

// AdminAdjustScoreHandler moves a user's score by a signed delta.
func (h *CardHandlers) AdminAdjustScoreHandler(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.actorFromContext(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}

	var body struct {
		Delta          int    `json:"delta"`
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	cmd := domain.AdminAdjustScoreCommand{
		AdminID:        adminID,
		UserID:         userID,
		Delta:          body.Delta,
		Reason:         body.Reason,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	}
	result, err := h.service.AdminAdjustScore(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, "admin_adjust_score", err)
		return
	}
	h.writeResult(w, http.StatusOK, result.FromIdempotency, result)
}
