package api

import (
	"encoding/json"
	"testing"

	"eventcert/internal/auth"
)

func TestWsAuthenticate(t *testing.T) {
	svc := newTestAuthService(t)
	h := NewWsHandler(nil, svc, discardLogger(), nil)

	ready, err := svc.GenerateTokenPair(auth.Identity{UserID: 7, Permissions: []string{auth.PermView}})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	pending, err := svc.GenerateTokenPair(auth.Identity{UserID: 8, MustChangePassword: true})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	msg := func(typ, token string) []byte {
		b, _ := json.Marshal(wsAuthMessage{Type: typ, Token: token})
		return b
	}

	id, _, err := h.authenticate(msg("auth", ready.AccessToken))
	if err != nil || id != 7 {
		t.Fatalf("expected operator 7 got %d err=%v", id, err)
	}

	cases := []struct {
		name      string
		message   []byte
		closeText string
	}{
		{"not json", []byte("hello"), "invalid auth payload"},
		{"wrong type", msg("subscribe", ready.AccessToken), "auth required"},
		{"refresh token", msg("auth", ready.RefreshToken), "access token required"},
		{"password change pending", msg("auth", pending.AccessToken), "password change required"},
		{"garbage token", msg("auth", "abc"), "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, closeText, err := h.authenticate(tc.message)
			if err == nil || closeText != tc.closeText {
				t.Fatalf("expected close %q got %q err=%v", tc.closeText, closeText, err)
			}
		})
	}
}
