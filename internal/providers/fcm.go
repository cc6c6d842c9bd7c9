package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

const (
	FCMID               = "fcm"
	fcmDefaultBase      = "https://fcm.googleapis.com"
	fcmMessagingScope   = "https://www.googleapis.com/auth/firebase.messaging"
	googleTokenURL      = "https://oauth2.googleapis.com/token"
	fcmDataOnlyOverride = "data"
)

type FCMConfig struct {
	ProjectID  string
	Email      string
	PrivateKey string
	// TokenURL overrides the OAuth2 token endpoint.
	TokenURL string
}

// FCMPush sends push notifications through the FCM HTTP v1 API, one request per
// device token, authenticated with a service account.
type FCMPush struct {
	cfg  FCMConfig
	http httpClient
	now  func() time.Time
}

var _ PushProvider = (*FCMPush)(nil)

// NewFCMPush builds the adapter. Unless WithHTTPClient is given, requests carry
// a bearer token minted from the service account key.
func NewFCMPush(cfg FCMConfig, opts ...Option) *FCMPush {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	conf := &jwt.Config{
		Email:      cfg.Email,
		PrivateKey: []byte(strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n")),
		Scopes:     []string{fcmMessagingScope},
		TokenURL:   tokenURL,
	}

	authed := []Option{WithHTTPClient(conf.Client(context.Background()))}
	return &FCMPush{
		cfg:  cfg,
		http: newHTTPClient(fcmDefaultBase, append(authed, opts...)),
		now:  time.Now,
	}
}

// NewFCMPushWithTokenSource builds the adapter on an existing token source.
func NewFCMPushWithTokenSource(cfg FCMConfig, ts oauth2.TokenSource, opts ...Option) *FCMPush {
	client := &http.Client{Transport: &oauth2.Transport{Source: ts}}
	authed := []Option{WithHTTPClient(client)}
	return &FCMPush{
		cfg:  cfg,
		http: newHTTPClient(fcmDefaultBase, append(authed, opts...)),
		now:  time.Now,
	}
}

func (p *FCMPush) ID() string { return FCMID }

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Image string `json:"image,omitempty"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification *fcmNotification  `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// SendMessage sends to every target token. If any token fails, the call fails
// with the first failure's message after all tokens were attempted.
func (p *FCMPush) SendMessage(ctx context.Context, opts PushOptions) (SendResult, error) {
	if len(opts.Target) == 0 {
		return SendResult{}, errors.New("fcm: no device tokens")
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(p.http.baseURL, "/"), p.cfg.ProjectID)

	ids := make([]string, 0, len(opts.Target))
	var firstErr error
	for _, token := range opts.Target {
		body, err := p.http.postJSON(ctx, url, nil, fcmRequest{Message: buildFCMMessage(token, opts)})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var resp struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decode response: %w", err)
			}
			continue
		}
		ids = append(ids, resp.Name)
	}

	if firstErr != nil {
		return SendResult{}, fmt.Errorf("Sending message failed due to %q: %w", fcmErrorMessage(firstErr), firstErr)
	}
	return SendResult{IDs: ids, Date: p.now()}, nil
}

func buildFCMMessage(token string, opts PushOptions) fcmMessage {
	if opts.Overrides.Type == fcmDataOnlyOverride {
		return fcmMessage{Token: token, Data: opts.Payload}
	}

	n := &fcmNotification{Title: opts.Title, Body: opts.Content, Image: opts.Overrides.Image}
	if opts.Overrides.Title != "" {
		n.Title = opts.Overrides.Title
	}
	if opts.Overrides.Body != "" {
		n.Body = opts.Overrides.Body
	}
	return fcmMessage{Token: token, Notification: n, Data: opts.Overrides.Data}
}

// fcmErrorMessage prefers the message FCM put in its error envelope.
func fcmErrorMessage(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		var body fcmErrorBody
		if json.Unmarshal([]byte(httpErr.Body), &body) == nil && body.Error.Message != "" {
			return body.Error.Message
		}
	}
	return err.Error()
}
