package mail

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBuildMIME(t *testing.T) {
	email := OutboundEmail{
		Recipient: "lead@example.com",
		Subject:   "Following up",
		Body:      "Hi there,\r\njust checking in.",
		InReplyTo: "<abc123@mail.example.com>",
		Attachments: []Attachment{
			{Filename: "deck.pdf", ContentType: "application/pdf", Data: []byte("%PDF-fake")},
		},
	}

	raw, err := buildMIME("sales@ourapp.io", email)
	if err != nil {
		t.Fatalf("build mime: %v", err)
	}
	msg := string(raw)

	for _, want := range []string{
		"From: sales@ourapp.io",
		"To: lead@example.com",
		"In-Reply-To: <abc123@mail.example.com>",
		"References: <abc123@mail.example.com>",
		"Content-Type: multipart/mixed",
		`filename="deck.pdf"`,
		"Content-Transfer-Encoding: base64",
		"just checking in.",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("mime output missing %q:\n%s", want, msg)
		}
	}
}

func TestBuildMIMEWithoutThreading(t *testing.T) {
	raw, err := buildMIME("sales@ourapp.io", OutboundEmail{
		Recipient: "lead@example.com",
		Subject:   "hello",
		Body:      "plain",
	})
	if err != nil {
		t.Fatalf("build mime: %v", err)
	}
	if strings.Contains(string(raw), "In-Reply-To") {
		t.Fatal("no threading headers expected")
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("opaque")) {
		t.Fatal("opaque errors are transient")
	}
	if IsPermanent(&SendError{Reason: "throttled"}) {
		t.Fatal("unflagged send errors are transient")
	}
	if !IsPermanent(&SendError{Reason: "bad address", Permanent: true}) {
		t.Fatal("flagged send error should be permanent")
	}
	wrapped := fmt.Errorf("send: %w", &SendError{Reason: "bad address", Permanent: true})
	if !IsPermanent(wrapped) {
		t.Fatal("classification must survive wrapping")
	}
}
