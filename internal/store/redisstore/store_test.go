package redisstore

import (
	"context"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	if got := captchaKey("a@b.c"); got != "captcha:a@b.c" {
		t.Fatalf("captchaKey = %q", got)
	}
	if got := revokedKey("abc"); got != "jwt:revoked:abc" {
		t.Fatalf("revokedKey = %q", got)
	}
	if got := lastSeenKey(42); got != "presence:last_seen:42" {
		t.Fatalf("lastSeenKey = %q", got)
	}
	if got := idemKey(7, "k-1"); got != "idem:msg:7:k-1" {
		t.Fatalf("idemKey = %q", got)
	}
}

func TestNilStoreIsEmpty(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if err := s.RevokeToken(ctx, "jti", time.Hour); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := s.IsRevoked(ctx, "jti")
	if err != nil || revoked {
		t.Fatalf("nil store reported revoked=%v err=%v", revoked, err)
	}
	if err := s.SetLastSeen(ctx, 1, time.Now()); err != nil {
		t.Fatalf("set last seen: %v", err)
	}
	if _, ok, err := s.LastSeen(ctx, 1); ok || err != nil {
		t.Fatalf("nil store last seen ok=%v err=%v", ok, err)
	}
	if reserved, err := s.ReserveIdempotencyKey(ctx, 1, "k", time.Hour); !reserved || err != nil {
		t.Fatalf("nil store reserve reserved=%v err=%v", reserved, err)
	}
	if _, ok, err := s.IdempotentResult(ctx, 1, "k"); ok || err != nil {
		t.Fatalf("nil store idempotent result ok=%v err=%v", ok, err)
	}
	if err := s.CompleteIdempotencyKey(ctx, 1, "k", 9, time.Hour); err != nil {
		t.Fatalf("complete idempotency key: %v", err)
	}
	if err := s.ReleaseIdempotencyKey(ctx, 1, "k"); err != nil {
		t.Fatalf("release idempotency key: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRevokeTokenSkipsExpiredTokens(t *testing.T) {
	// no redis server is needed: nothing is written for a non-positive ttl
	s := New("127.0.0.1:1", "", 0)
	t.Cleanup(func() { _ = s.Close() })

	if err := s.RevokeToken(context.Background(), "jti", 0); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if err := s.RevokeToken(context.Background(), "", time.Hour); err != nil {
		t.Fatalf("expected no-op for empty jti, got %v", err)
	}
}

func TestParseIdemValue(t *testing.T) {
	if id, err := parseIdemValue(idemPending); err != nil || id != 0 {
		t.Fatalf("pending: id=%d err=%v", id, err)
	}
	if id, err := parseIdemValue("42"); err != nil || id != 42 {
		t.Fatalf("42: id=%d err=%v", id, err)
	}
	if _, err := parseIdemValue("garbage"); err == nil {
		t.Fatal("expected error for garbage value")
	}
}
