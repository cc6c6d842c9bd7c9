package providers

import "fmt"

// Credentials carries every provider's settings. Each builder reads the
// fields its provider needs.
type Credentials struct {
	// sinch-sms
	From  string
	Plan  string
	Token string

	// tww-sms
	User     string
	Password string

	// fcm
	ProjectID string
	Email     string
	SecretKey string

	// BaseURL overrides the provider endpoint when set.
	BaseURL string
}

type smsBuilder func(Credentials, []Option) SMSProvider

type pushBuilder func(Credentials, []Option) PushProvider

var smsHandlers = map[string]smsBuilder{
	SinchSMSID: func(c Credentials, opts []Option) SMSProvider {
		return NewSinchSMS(SinchConfig{From: c.From, Plan: c.Plan, Token: c.Token}, opts...)
	},
	TwwSMSID: func(c Credentials, opts []Option) SMSProvider {
		return NewTwwSMS(TwwConfig{User: c.User, Password: c.Password}, opts...)
	},
}

var pushHandlers = map[string]pushBuilder{
	FCMID: func(c Credentials, opts []Option) PushProvider {
		return NewFCMPush(FCMConfig{ProjectID: c.ProjectID, Email: c.Email, PrivateKey: c.SecretKey}, opts...)
	},
}

// BuildSMS returns the SMS adapter registered under id.
func BuildSMS(id string, creds Credentials, opts ...Option) (SMSProvider, error) {
	build, ok := smsHandlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return build(creds, withBaseURL(creds, opts)), nil
}

// BuildPush returns the push adapter registered under id.
func BuildPush(id string, creds Credentials, opts ...Option) (PushProvider, error) {
	build, ok := pushHandlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return build(creds, withBaseURL(creds, opts)), nil
}

func IsSMSProvider(id string) bool {
	_, ok := smsHandlers[id]
	return ok
}

func IsPushProvider(id string) bool {
	_, ok := pushHandlers[id]
	return ok
}

func withBaseURL(creds Credentials, opts []Option) []Option {
	if creds.BaseURL == "" {
		return opts
	}
	return append([]Option{WithBaseURL(creds.BaseURL)}, opts...)
}
