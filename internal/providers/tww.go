package providers

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	TwwSMSID       = "tww-sms"
	twwDefaultBase = "https://webservices2.twwwireless.com.br"
	twwSenderTag   = "ilove.me"
)

type TwwConfig struct {
	User     string
	Password string
}

// TwwSMS sends SMS through the TWW Wireless reluzcap web service.
type TwwSMS struct {
	cfg  TwwConfig
	http httpClient
	now  func() time.Time
}

var _ SMSProvider = (*TwwSMS)(nil)

func NewTwwSMS(cfg TwwConfig, opts ...Option) *TwwSMS {
	return &TwwSMS{
		cfg:  cfg,
		http: newHTTPClient(twwDefaultBase, opts),
		now:  time.Now,
	}
}

func (p *TwwSMS) ID() string { return TwwSMSID }

type twwRequest struct {
	SeuNum   string `json:"SeuNum"`
	NumUsu   string `json:"NumUsu"`
	Senha    string `json:"Senha"`
	Mensagem string `json:"Mensagem"`
	Celular  string `json:"Celular"`
}

func (p *TwwSMS) SendMessage(ctx context.Context, opts SMSOptions) (SendResult, error) {
	url := strings.TrimRight(p.http.baseURL, "/") + "/reluzcap/wsreluzcap.asmx/EnviaSMS"
	body, err := p.http.postJSON(ctx, url, nil, twwRequest{
		SeuNum:   twwSenderTag,
		NumUsu:   p.cfg.User,
		Senha:    p.cfg.Password,
		Mensagem: opts.Content,
		Celular:  opts.To,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("tww: %w", err)
	}
	return SendResult{IDs: []string{strings.TrimSpace(string(body))}, Date: p.now()}, nil
}
