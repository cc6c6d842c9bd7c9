package api

import (
	"encoding/json"
	"time"

	"github.com/owalmirneto/novu/internal/domain"
)

type TriggerRequest struct {
	Name          string            `json:"name"`
	To            json.RawMessage   `json:"to"`
	Channel       string            `json:"channel"` // "sms" (default) or "push"
	Title         string            `json:"title,omitempty"`
	Content       string            `json:"content"`
	Payload       map[string]string `json:"payload,omitempty"`
	Overrides     map[string]string `json:"overrides,omitempty"`
	TransactionID string            `json:"transactionId,omitempty"`
}

type TriggerResponse struct {
	Acknowledged  bool                       `json:"acknowledged"`
	Status        string                     `json:"status"`
	TransactionID string                     `json:"transactionId"`
	To            []domain.ResolvedRecipient `json:"to"`
	Queued        int                        `json:"queued"`
	Duplicates    int                        `json:"duplicates"`
}

type CreateTopicRequest struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type TopicResponse struct {
	ID          string   `json:"_id"`
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
}

type TopicSubscribersRequest struct {
	Subscribers []string `json:"subscribers"`
}

type AddTopicSubscribersResponse struct {
	Succeeded []string `json:"succeeded"`
	Failed    struct {
		NotFound []string `json:"notFound,omitempty"`
	} `json:"failed"`
}

type SubscriberRequest struct {
	SubscriberID string         `json:"subscriberId"`
	FirstName    string         `json:"firstName,omitempty"`
	LastName     string         `json:"lastName,omitempty"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	Locale       string         `json:"locale,omitempty"`
	DeviceTokens []string       `json:"deviceTokens,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type SubscriberResponse struct {
	ID           string         `json:"_id"`
	SubscriberID string         `json:"subscriberId"`
	FirstName    string         `json:"firstName,omitempty"`
	LastName     string         `json:"lastName,omitempty"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	Locale       string         `json:"locale,omitempty"`
	DeviceTokens []string       `json:"deviceTokens,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
}

type MessageResponse struct {
	ID                string `json:"_id"`
	TransactionID     string `json:"transactionId"`
	EventName         string `json:"eventName"`
	SubscriberID      string `json:"subscriberId"`
	Channel           string `json:"channel"`
	Status            string `json:"status"`
	ProviderID        string `json:"providerId,omitempty"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

type ListMessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func topicResponse(t domain.Topic) TopicResponse {
	subs := t.Subscribers
	if subs == nil {
		subs = []string{}
	}
	return TopicResponse{
		ID:          t.ID.String(),
		Key:         t.Key,
		Name:        t.Name,
		Subscribers: subs,
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	}
}

func subscriberResponse(s domain.Subscriber) SubscriberResponse {
	return SubscriberResponse{
		ID:           s.ID.String(),
		SubscriberID: s.SubscriberID,
		FirstName:    s.FirstName,
		LastName:     s.LastName,
		Email:        s.Email,
		Phone:        s.Phone,
		Avatar:       s.Avatar,
		Locale:       s.Locale,
		DeviceTokens: s.DeviceTokens,
		Data:         s.Data,
		CreatedAt:    formatTime(s.CreatedAt),
		UpdatedAt:    formatTime(s.UpdatedAt),
	}
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:                m.ID.String(),
		TransactionID:     m.TransactionID.String(),
		EventName:         m.EventName,
		SubscriberID:      m.SubscriberID,
		Channel:           string(m.Channel),
		Status:            string(m.Status),
		ProviderID:        m.ProviderID,
		ProviderMessageID: m.ProviderMessageID,
		Error:             m.Error,
		CreatedAt:         formatTime(m.CreatedAt),
		UpdatedAt:         formatTime(m.UpdatedAt),
	}
}
