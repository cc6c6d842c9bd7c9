package api

import (
	"fmt"
	"net/mail"
	"regexp"

	"github.com/google/uuid"

	"github.com/owalmirneto/novu/internal/domain"
	"github.com/owalmirneto/novu/internal/recipients"
	"github.com/owalmirneto/novu/internal/trigger"
)

var topicKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// validateTrigger checks req and builds the trigger command without its tenant.
func validateTrigger(req TriggerRequest) (trigger.Command, error) {
	if req.Name == "" {
		return trigger.Command{}, fmt.Errorf("name is required")
	}

	specs, err := recipients.Parse(req.To)
	if err != nil {
		return trigger.Command{}, fmt.Errorf("invalid to: %w", err)
	}

	channel := domain.ChannelType(req.Channel)
	switch channel {
	case "":
		channel = domain.ChannelSMS
	case domain.ChannelSMS, domain.ChannelPush:
	default:
		return trigger.Command{}, fmt.Errorf("channel must be %q or %q", domain.ChannelSMS, domain.ChannelPush)
	}

	if req.Content == "" && channel == domain.ChannelSMS {
		return trigger.Command{}, fmt.Errorf("content is required")
	}

	if t := req.Overrides["type"]; t != "" && t != "data" {
		return trigger.Command{}, fmt.Errorf("overrides.type must be \"data\" when set")
	}

	txID := uuid.Nil
	if req.TransactionID != "" {
		txID, err = uuid.Parse(req.TransactionID)
		if err != nil {
			return trigger.Command{}, fmt.Errorf("invalid transactionId: %w", err)
		}
	}

	return trigger.Command{
		TransactionID: txID,
		EventName:     req.Name,
		Channel:       channel,
		Title:         req.Title,
		Content:       req.Content,
		Payload:       req.Payload,
		Overrides:     req.Overrides,
		Recipients:    specs,
	}, nil
}

func validateTopicKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if !topicKeyPattern.MatchString(key) {
		return fmt.Errorf("key may only contain letters, digits and -_.:")
	}
	return nil
}

func validateCreateTopic(req CreateTopicRequest) error {
	if err := validateTopicKey(req.Key); err != nil {
		return err
	}
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

func validateTopicSubscribers(req TopicSubscribersRequest) error {
	if len(req.Subscribers) == 0 {
		return fmt.Errorf("subscribers is required")
	}
	for i, id := range req.Subscribers {
		if id == "" {
			return fmt.Errorf("subscribers[%d] is empty", i)
		}
	}
	return nil
}

func validateSubscriber(req SubscriberRequest) error {
	if req.SubscriberID == "" {
		return fmt.Errorf("subscriberId is required")
	}
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			return fmt.Errorf("invalid email: %w", err)
		}
	}
	for i, token := range req.DeviceTokens {
		if token == "" {
			return fmt.Errorf("deviceTokens[%d] is empty", i)
		}
	}
	return nil
}
