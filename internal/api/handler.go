package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/owalmirneto/novu/internal/domain"
	"github.com/owalmirneto/novu/internal/recipients"
	"github.com/owalmirneto/novu/internal/trigger"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Tenant and actor headers.
const (
	HeaderOrganizationID = "X-Organization-Id"
	HeaderEnvironmentID  = "X-Environment-Id"
	HeaderUserID         = "X-User-Id"
)

type Store interface {
	CreateTopic(ctx context.Context, topic domain.Topic) (domain.Topic, error)
	GetTopic(ctx context.Context, tenant domain.Tenant, key string) (domain.Topic, error)
	AddTopicSubscribers(ctx context.Context, tenant domain.Tenant, key string, subscriberIDs []string) (domain.MembershipChange, error)
	RemoveTopicSubscribers(ctx context.Context, tenant domain.Tenant, key string, subscriberIDs []string) error
	UpsertSubscriber(ctx context.Context, sub domain.Subscriber) (domain.Subscriber, error)
	GetSubscriber(ctx context.Context, tenant domain.Tenant, subscriberID string) (domain.Subscriber, error)
	ListMessages(ctx context.Context, tenant domain.Tenant, transactionID uuid.UUID, limit, offset int) ([]domain.Message, error)
}

type Triggerer interface {
	Trigger(ctx context.Context, cmd trigger.Command) (trigger.Result, error)
}

// CacheInvalidator drops cached topic membership after it changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenant domain.Tenant, topicKey string) error
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// BreakerStates reports the circuit state of each provider seen so far.
type BreakerStates interface {
	States() map[string]string
}

type Handler struct {
	store         Store
	trigger       Triggerer
	defaultTenant domain.Tenant
	cache         CacheInvalidator // optional
	db            HealthChecker    // optional
	breakers      BreakerStates    // optional
}

// NewHandler creates the API handler. defaultTenant is used for requests
// without tenant headers; a zero tenant makes the headers mandatory.
func NewHandler(store Store, trig Triggerer, defaultTenant domain.Tenant) *Handler {
	return &Handler{store: store, trigger: trig, defaultTenant: defaultTenant}
}

// WithCacheInvalidator sets the cache that is invalidated on membership changes.
func (h *Handler) WithCacheInvalidator(c CacheInvalidator) *Handler {
	h.cache = c
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithBreakerStates exposes provider circuit states in verbose /health responses.
func (h *Handler) WithBreakerStates(b BreakerStates) *Handler {
	h.breakers = b
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/health" && r.Method == http.MethodGet {
		h.health(w, r)
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	tenant, err := h.tenant(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case path == "/v1/events/trigger" && r.Method == http.MethodPost:
		h.triggerEvent(w, r, tenant)

	case path == "/v1/topics" && r.Method == http.MethodPost:
		h.createTopic(w, r, tenant)

	case len(parts) == 3 && parts[1] == "topics" && r.Method == http.MethodGet:
		h.getTopic(w, r, tenant, parts[2])

	case len(parts) == 4 && parts[1] == "topics" && parts[3] == "subscribers" && r.Method == http.MethodPost:
		h.addTopicSubscribers(w, r, tenant, parts[2])

	case len(parts) == 5 && parts[1] == "topics" && parts[3] == "subscribers" && parts[4] == "removal" && r.Method == http.MethodPost:
		h.removeTopicSubscribers(w, r, tenant, parts[2])

	case path == "/v1/subscribers" && r.Method == http.MethodPost:
		h.upsertSubscriber(w, r, tenant)

	case len(parts) == 3 && parts[1] == "subscribers" && r.Method == http.MethodGet:
		h.getSubscriber(w, r, tenant, parts[2])

	case path == "/v1/messages" && r.Method == http.MethodGet:
		h.listMessages(w, r, tenant)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// tenant reads the tenant headers, falling back to the default tenant when both are absent.
func (h *Handler) tenant(r *http.Request) (domain.Tenant, error) {
	org := r.Header.Get(HeaderOrganizationID)
	env := r.Header.Get(HeaderEnvironmentID)
	if org == "" && env == "" {
		if h.defaultTenant.IsZero() {
			return domain.Tenant{}, errors.New("missing " + HeaderOrganizationID + " and " + HeaderEnvironmentID + " headers")
		}
		return h.defaultTenant, nil
	}

	orgID, err := uuid.Parse(org)
	if err != nil {
		return domain.Tenant{}, errors.New("invalid " + HeaderOrganizationID + " header")
	}
	envID, err := uuid.Parse(env)
	if err != nil {
		return domain.Tenant{}, errors.New("invalid " + HeaderEnvironmentID + " header")
	}
	return domain.Tenant{OrganizationID: orgID, EnvironmentID: envID}, nil
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	// An open circuit is reported but does not degrade the instance.
	if h.breakers != nil {
		for provider, state := range h.breakers.States() {
			resp.Components["provider:"+provider] = state
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody decodes a JSON body into v, writing the error response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (h *Handler) triggerEvent(w http.ResponseWriter, r *http.Request, tenant domain.Tenant) {
	var req TriggerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmd, err := validateTrigger(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd.Tenant = tenant
	cmd.UserID = r.Header.Get(HeaderUserID)

	res, err := h.trigger.Trigger(r.Context(), cmd)
	if err != nil {
		log.Printf("api: trigger event=%s error: %v", cmd.EventName, err)
		if errors.Is(err, recipients.ErrMalformedRecipient) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to trigger event")
		return
	}

	to := res.Recipients
	if to == nil {
		to = []domain.ResolvedRecipient{}
	}
	writeJSON(w, http.StatusCreated, TriggerResponse{
		Acknowledged:  true,
		Status:        "processed",
		TransactionID: res.TransactionID.String(),
		To:            to,
		Queued:        res.Queued,
		Duplicates:    res.Duplicates,
	})
}

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request, tenant domain.Tenant) {
	var req CreateTopicRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateCreateTopic(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	topic, err := h.store.CreateTopic(r.Context(), domain.Topic{Tenant: tenant, Key: req.Key, Name: req.Name})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTopic) {
			writeError(w, http.StatusConflict, "topic already exists")
			return
		}
		log.Printf("api: create topic key=%s error: %v", req.Key, err)
		writeError(w, http.StatusInternalServerError, "failed to create topic")
		return
	}

	writeJSON(w, http.StatusCreated, topicResponse(topic))
}

func (h *Handler) getTopic(w http.ResponseWriter, r *http.Request, tenant domain.Tenant, key string) {
	if err := validateTopicKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	topic, err := h.store.GetTopic(r.Context(), tenant, key)
	if err != nil {
		h.writeTopicError(w, "get topic", key, err)
		return
	}

	writeJSON(w, http.StatusOK, topicResponse(topic))
}

func (h *Handler) addTopicSubscribers(w http.ResponseWriter, r *http.Request, tenant domain.Tenant, key string) {
	ids, ok := h.topicSubscribers(w, r, key)
	if !ok {
		return
	}

	change, err := h.store.AddTopicSubscribers(r.Context(), tenant, key, ids)
	if err != nil {
		h.writeTopicError(w, "add topic subscribers", key, err)
		return
	}
	h.invalidate(r.Context(), tenant, key)

	var resp AddTopicSubscribersResponse
	resp.Succeeded = change.Succeeded
	if resp.Succeeded == nil {
		resp.Succeeded = []string{}
	}
	resp.Failed.NotFound = change.NotFound
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) removeTopicSubscribers(w http.ResponseWriter, r *http.Request, tenant domain.Tenant, key string) {
	ids, ok := h.topicSubscribers(w, r, key)
	if !ok {
		return
	}

	if err := h.store.RemoveTopicSubscribers(r.Context(), tenant, key, ids); err != nil {
		h.writeTopicError(w, "remove topic subscribers", key, err)
		return
	}
	h.invalidate(r.Context(), tenant, key)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) topicSubscribers(w http.ResponseWriter, r *http.Request, key string) ([]string, bool) {
	if err := validateTopicKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	var req TopicSubscribersRequest
	if !decodeBody(w, r, &req) {
		return nil, false
	}
	if err := validateTopicSubscribers(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return req.Subscribers, true
}

func (h *Handler) writeTopicError(w http.ResponseWriter, op, key string, err error) {
	if errors.Is(err, domain.ErrTopicNotFound) {
		writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	log.Printf("api: %s key=%s error: %v", op, key, err)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func (h *Handler) invalidate(ctx context.Context, tenant domain.Tenant, key string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx, tenant, key); err != nil {
		log.Printf("api: invalidate topic cache key=%s error: %v", key, err)
	}
}

func (h *Handler) upsertSubscriber(w http.ResponseWriter, r *http.Request, tenant domain.Tenant) {
	var req SubscriberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateSubscriber(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.store.UpsertSubscriber(r.Context(), domain.Subscriber{
		Tenant:       tenant,
		SubscriberID: req.SubscriberID,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		Phone:        req.Phone,
		Avatar:       req.Avatar,
		Locale:       req.Locale,
		DeviceTokens: req.DeviceTokens,
		Data:         req.Data,
	})
	if err != nil {
		log.Printf("api: upsert subscriber id=%s error: %v", req.SubscriberID, err)
		writeError(w, http.StatusInternalServerError, "failed to save subscriber")
		return
	}

	writeJSON(w, http.StatusOK, subscriberResponse(sub))
}

func (h *Handler) getSubscriber(w http.ResponseWriter, r *http.Request, tenant domain.Tenant, subscriberID string) {
	sub, err := h.store.GetSubscriber(r.Context(), tenant, subscriberID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriberNotFound) {
			writeError(w, http.StatusNotFound, "subscriber not found")
			return
		}
		log.Printf("api: get subscriber id=%s error: %v", subscriberID, err)
		writeError(w, http.StatusInternalServerError, "failed to get subscriber")
		return
	}

	writeJSON(w, http.StatusOK, subscriberResponse(sub))
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, tenant domain.Tenant) {
	rawID := r.URL.Query().Get("transactionId")
	if rawID == "" {
		writeError(w, http.StatusBadRequest, "transactionId is required")
		return
	}
	txID, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transactionId")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.store.ListMessages(r.Context(), tenant, txID, limit, offset)
	if err != nil {
		log.Printf("api: list messages transaction=%s error: %v", txID, err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	resp := ListMessagesResponse{Messages: make([]MessageResponse, len(messages))}
	for i, m := range messages {
		resp.Messages[i] = messageResponse(m)
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
