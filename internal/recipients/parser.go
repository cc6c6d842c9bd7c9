package recipients

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/owalmirneto/novu/internal/domain"
)

// ErrMalformedRecipient is returned for input that is not a subscriber id,
// an inline subscriber profile or a topic reference.
var ErrMalformedRecipient = errors.New("malformed recipient")

// Parse classifies a raw "to" value, which may be a single recipient or a list.
// Input order is preserved; nothing is deduplicated or expanded.
func Parse(raw json.RawMessage) ([]domain.RecipientSpec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty recipients", ErrMalformedRecipient)
	}

	if raw[0] != '[' {
		spec, err := Classify(raw)
		if err != nil {
			return nil, err
		}
		return []domain.RecipientSpec{spec}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipient, err)
	}

	specs := make([]domain.RecipientSpec, 0, len(items))
	for i, item := range items {
		spec, err := Classify(item)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Classify maps a single raw recipient to its variant.
func Classify(raw json.RawMessage) (domain.RecipientSpec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrMalformedRecipient)
	}

	switch raw[0] {
	case '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecipient, err)
		}
		if id == "" {
			return nil, fmt.Errorf("%w: empty subscriber id", ErrMalformedRecipient)
		}
		return domain.DirectID{SubscriberID: id}, nil
	case '{':
		return classifyObject(raw)
	default:
		return nil, fmt.Errorf("%w: expected string or object", ErrMalformedRecipient)
	}
}

func classifyObject(raw json.RawMessage) (domain.RecipientSpec, error) {
	var shape struct {
		Type         *string `json:"type"`
		TopicKey     *string `json:"topicKey"`
		SubscriberID *string `json:"subscriberId"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipient, err)
	}

	if shape.Type != nil {
		if *shape.Type != domain.TopicRecipientType {
			return nil, fmt.Errorf("%w: unknown recipient type %q", ErrMalformedRecipient, *shape.Type)
		}
		if shape.TopicKey == nil || *shape.TopicKey == "" {
			return nil, fmt.Errorf("%w: topic recipient without topicKey", ErrMalformedRecipient)
		}
		return domain.TopicRef{TopicKey: *shape.TopicKey}, nil
	}

	if shape.SubscriberID == nil || *shape.SubscriberID == "" {
		return nil, fmt.Errorf("%w: subscriber definition without subscriberId", ErrMalformedRecipient)
	}

	var profile domain.SubscriberProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipient, err)
	}
	return domain.DirectProfile{Profile: profile}, nil
}
