package service_test

import (
	"strings"
	"testing"

	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/service"
)

func TestAuth_DisabledPassesEverything(t *testing.T) {
	svc := service.NewAuthService(config.Auth{Enabled: false})
	if svc.Enabled() {
		t.Fatal("expected auth disabled")
	}
	if !svc.Verify("") || !svc.Verify("junk") {
		t.Fatal("disabled auth must pass every key")
	}
}

func TestAuth_MintedKeyVerifies(t *testing.T) {
	key, hash, err := service.MintKey()
	if err != nil {
		t.Fatalf("MintKey failed: %v", err)
	}
	if !strings.HasPrefix(key, service.APIKeyPrefix) {
		t.Fatalf("key missing prefix: %q", key)
	}
	if strings.Contains(hash, key) {
		t.Fatal("hash must not contain the raw key")
	}

	svc := service.NewAuthService(config.Auth{Enabled: true, KeyHashes: []string{hash}})
	if !svc.Verify(key) {
		t.Fatal("minted key must verify against its hash")
	}
	// The second verification is served from the digest cache.
	if !svc.Verify(key) {
		t.Fatal("cached key must still verify")
	}
	if svc.Verify(key + "x") {
		t.Fatal("tampered key must not verify")
	}
	if svc.Verify("") {
		t.Fatal("empty key must not verify")
	}
}

func TestAuth_HashKeyMatchesVerify(t *testing.T) {
	hash, err := service.HashKey("dok_operator-key")
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}
	svc := service.NewAuthService(config.Auth{Enabled: true, KeyHashes: []string{hash}})
	if !svc.Verify("dok_operator-key") {
		t.Fatal("hashed key must verify")
	}
}

func TestAuth_AnyConfiguredHashMatches(t *testing.T) {
	k1, h1, err := service.MintKey()
	if err != nil {
		t.Fatalf("MintKey failed: %v", err)
	}
	k2, h2, err := service.MintKey()
	if err != nil {
		t.Fatalf("MintKey failed: %v", err)
	}
	svc := service.NewAuthService(config.Auth{Enabled: true, KeyHashes: []string{h1, h2}})
	if !svc.Verify(k1) || !svc.Verify(k2) {
		t.Fatal("every configured key must verify")
	}
}
