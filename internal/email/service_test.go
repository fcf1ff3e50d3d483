package email

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
				To:   []string{"ops@example.com"},
			},
			expected: false,
		},
		{
			name: "missing recipients",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
				To:   []string{"ops@example.com"},
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config, nil)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestAlertFallsBackToLog(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(Config{}, slog.New(slog.NewTextHandler(&buf, nil)))
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send called without SMTP config")
		return nil
	}

	if err := svc.Alert(context.Background(), "flush failing", "details"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if !strings.Contains(buf.String(), "flush failing") {
		t.Fatalf("alert not logged: %s", buf.String())
	}
}

func TestAlertSendsMail(t *testing.T) {
	svc := NewService(Config{
		Host:     "smtp.example.com",
		Port:     "587",
		From:     "coedit@example.com",
		FromName: "Coedit",
		To:       []string{"ops@example.com", "oncall@example.com"},
	}, nil)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	if err := svc.Alert(context.Background(), "doc-1 not saved\r\nBcc: evil@example.com", "line one\nline two"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "coedit@example.com" || len(gotTo) != 2 {
		t.Fatalf("unexpected envelope addr=%s from=%s to=%v", gotAddr, gotFrom, gotTo)
	}
	msg := string(gotMsg)
	for _, want := range []string{
		"From: Coedit <coedit@example.com>\r\n",
		"To: ops@example.com, oncall@example.com\r\n",
		"Subject: doc-1 not saved  Bcc: evil@example.com\r\n",
		"line one\r\nline two",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestAlertReturnsSendError(t *testing.T) {
	svc := NewService(Config{Host: "h", Port: "25", From: "f@x", To: []string{"t@x"}}, nil)
	boom := errors.New("connection refused")
	svc.send = func(string, smtp.Auth, string, []string, []byte) error { return boom }

	if err := svc.Alert(context.Background(), "s", "b"); !errors.Is(err, boom) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestAlertHonorsContext(t *testing.T) {
	svc := NewService(Config{Host: "h", Port: "25", From: "f@x", To: []string{"t@x"}}, nil)
	release := make(chan struct{})
	defer close(release)
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Alert(ctx, "s", "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
