package mailer

import (
	"bytes"
	"strings"
	"testing"
)

func TestMessageWrite(t *testing.T) {
	msg := &Message{
		From:      "no-reply@futsalculture.com",
		To:        "player@example.com",
		Subject:   "test invite",
		PlainBody: "hello plain",
		HTMLBody:  "<p>hello html</p>",
	}

	var buf bytes.Buffer
	if err := msg.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"From: no-reply@futsalculture.com",
		"To: player@example.com",
		"Subject: test invite",
		"multipart/alternative",
		"text/plain; charset=utf-8",
		"text/html; charset=utf-8",
		"hello plain",
		"hello html",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("Write: output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderInvite(t *testing.T) {
	msg := RenderInvite("FC United", "小王", "player", "welcome", "tok123", "https://app.example.com/invite")
	if msg.Subject == "" {
		t.Fatal("RenderInvite: empty subject")
	}
	if !strings.Contains(msg.PlainBody, "https://app.example.com/invite/tok123") {
		t.Fatalf("RenderInvite: plain body missing accept url:\n%s", msg.PlainBody)
	}
	if !strings.Contains(msg.HTMLBody, "tok123") {
		t.Fatalf("RenderInvite: html body missing token:\n%s", msg.HTMLBody)
	}
}
