package main

import (
	"encoding/base64"
	"strconv"
	"testing"
	"time"
)

func TestVerifyWorkerSignature_OK(t *testing.T) {
	secret := "test-secret"
	ts := "1734200000"
	method := "POST"
	body := []byte(`{"build_id":"build-1","resource":"git_history","status":"completed"}`)

	mac := computeWorkerMAC(secret, ts, method, body)
	sig := base64.RawURLEncoding.EncodeToString(mac)

	if err := verifyWorkerSignature(secret, ts, method, body, sig); err != nil {
		t.Fatalf("verifyWorkerSignature failed: %v", err)
	}
}

func TestVerifyWorkerSignature_BadSignature(t *testing.T) {
	body := []byte(`{"build_id":"build-1"}`)
	if err := verifyWorkerSignature("test-secret", "1734200000", "POST", body, "bad"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyWorkerSignature_BodySwap(t *testing.T) {
	secret := "test-secret"
	ts := "1734200000"
	mac := computeWorkerMAC(secret, ts, "POST", []byte(`{"status":"completed"}`))
	sig := base64.RawURLEncoding.EncodeToString(mac)

	if err := verifyWorkerSignature(secret, ts, "POST", []byte(`{"status":"failed"}`), sig); err == nil {
		t.Fatalf("swapped body must not verify")
	}
}

func TestVerifyWorkerTimestamp(t *testing.T) {
	now := time.Unix(1734200000, 0).UTC()

	fresh := strconv.FormatInt(now.Unix()-60, 10)
	if err := verifyWorkerTimestamp(fresh, now, 5*time.Minute); err != nil {
		t.Fatalf("fresh timestamp rejected: %v", err)
	}

	stale := strconv.FormatInt(now.Unix()-3600, 10)
	if err := verifyWorkerTimestamp(stale, now, 5*time.Minute); err == nil {
		t.Fatalf("stale timestamp accepted")
	}

	if err := verifyWorkerTimestamp("not-a-number", now, 5*time.Minute); err == nil {
		t.Fatalf("garbage timestamp accepted")
	}
}
