package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	rejected := errors.New("sinch: unexpected status 400")
	tests := []struct {
		name       string
		statusCode int
		err        error
		want       string
	}{
		{"accepted", 201, nil, StatusClass2xx},
		{"ok", 200, nil, StatusClass2xx},
		{"bad request with error", 400, rejected, StatusClass4xx},
		{"rate limited", 429, rejected, StatusClass4xx},
		{"provider down", 503, errors.New("tww: unexpected status 503"), StatusClass5xx},
		{"redirect", 302, nil, StatusClassOtherError},
		{"2xx body rejected", 200, errors.New("tww: provider answered ERRO"), StatusClassOtherError},

		{"wrapped deadline", 0, fmt.Errorf("send: %w", context.DeadlineExceeded), StatusClassTimeout},
		{"timeout text", 0, errors.New("Client.Timeout exceeded while awaiting headers"), StatusClassTimeout},
		{"dial op error", 0, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, StatusClassConnectionError},
		{"no such host text", 0, errors.New("lookup sms.api.sinch.com: no such host"), StatusClassConnectionError},

		{"unknown", 0, errors.New("fcm: invalid registration token"), StatusClassOtherError},
		{"no status no error", 0, nil, StatusClassOtherError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.statusCode, tt.err); got != tt.want {
				t.Errorf("ClassifyStatus(%d, %v) = %q, want %q", tt.statusCode, tt.err, got, tt.want)
			}
		})
	}
}
