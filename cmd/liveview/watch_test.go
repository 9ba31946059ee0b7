package main

import (
	"testing"

	"github.com/dkeye/liveview/internal/config"
)

func TestViewerIdentityAnonymousWithoutUserID(t *testing.T) {
	u, err := viewerIdentity(config.ViewerConfig{DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("viewerIdentity() error = %v", err)
	}
	if u.ID != "" || u.DisplayName != "Ana" {
		t.Fatalf("viewerIdentity() = %+v, want anonymous Ana", u)
	}
}

func TestViewerIdentityConfigured(t *testing.T) {
	u, err := viewerIdentity(config.ViewerConfig{UserID: " user-42 "})
	if err != nil {
		t.Fatalf("viewerIdentity() error = %v", err)
	}
	if u.ID != "user-42" {
		t.Fatalf("viewerIdentity().ID = %q, want user-42", u.ID)
	}
}
