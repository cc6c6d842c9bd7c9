package domain

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// RecipientSpec is one element of a trigger's "to" field before resolution.
// The set of implementations is closed: DirectID, DirectProfile and TopicRef.
type RecipientSpec interface {
	recipientSpec()
}

// DirectID is a bare subscriber identifier.
type DirectID struct {
	SubscriberID string
}

// DirectProfile is an inline subscriber definition carrying its own identifier.
type DirectProfile struct {
	Profile SubscriberProfile
}

// TopicRef references a tenant-scoped topic whose members are expanded at resolution time.
type TopicRef struct {
	TopicKey string
}

func (DirectID) recipientSpec()      {}
func (DirectProfile) recipientSpec() {}
func (TopicRef) recipientSpec()      {}

// TopicRecipientType is the marker value of the "type" field of a topic recipient.
const TopicRecipientType = "Topic"

// SubscriberProfile is the inline profile shape accepted in trigger payloads.
// Keys without a typed field (channels, custom attributes) are kept verbatim
// in Extra and written back on encode.
type SubscriberProfile struct {
	SubscriberID string         `json:"subscriberId"`
	FirstName    string         `json:"firstName,omitempty"`
	LastName     string         `json:"lastName,omitempty"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	Locale       string         `json:"locale,omitempty"`
	Data         map[string]any `json:"data,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// profileFields has the fields of SubscriberProfile without its JSON methods.
type profileFields SubscriberProfile

var profileKeys = []string{"subscriberId", "firstName", "lastName", "email", "phone", "avatar", "locale", "data"}

func isProfileKey(key string) bool {
	for _, k := range profileKeys {
		// encoding/json matches field names case-insensitively
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func (p *SubscriberProfile) UnmarshalJSON(b []byte) error {
	var fields profileFields
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}

	fields.Extra = nil
	for key, raw := range all {
		if isProfileKey(key) {
			continue
		}
		if fields.Extra == nil {
			fields.Extra = make(map[string]json.RawMessage)
		}
		fields.Extra[key] = raw
	}
	*p = SubscriberProfile(fields)
	return nil
}

func (p SubscriberProfile) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(profileFields(p))
	if err != nil || len(p.Extra) == 0 {
		return typed, err
	}

	merged := make(map[string]json.RawMessage, len(p.Extra)+len(profileKeys))
	for key, raw := range p.Extra {
		merged[key] = raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(typed, &fields); err != nil {
		return nil, err
	}
	for key, raw := range fields {
		merged[key] = raw
	}
	return json.Marshal(merged)
}

// ResolvedRecipient is a deduplicated send target. Profile is set only when the
// identity was established by an inline profile.
type ResolvedRecipient struct {
	SubscriberID string
	Profile      *SubscriberProfile
}

// Phone returns the inline phone number, if any.
func (r ResolvedRecipient) Phone() string {
	if r.Profile == nil {
		return ""
	}
	return r.Profile.Phone
}

// MarshalJSON renders {"subscriberId": ...} for bare ids and the full profile otherwise.
func (r ResolvedRecipient) MarshalJSON() ([]byte, error) {
	if r.Profile != nil {
		return json.Marshal(r.Profile)
	}
	return json.Marshal(struct {
		SubscriberID string `json:"subscriberId"`
	}{SubscriberID: r.SubscriberID})
}

// ResolutionRequest is built once per trigger and consumed by the resolver.
type ResolutionRequest struct {
	Tenant        Tenant
	TransactionID uuid.UUID
	UserID        string
	Recipients    []RecipientSpec
}
