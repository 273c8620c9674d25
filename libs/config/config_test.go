package config

import (
	"testing"
	"time"
)

func TestStringFallback(t *testing.T) {
	if got := String("CONFIG_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("CONFIG_TEST_SET", "value")
	if got := String("CONFIG_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("got %q", got)
	}
}

func TestRequiredString(t *testing.T) {
	if _, err := RequiredString("CONFIG_TEST_MISSING"); err == nil {
		t.Fatal("expected an error for a missing required key")
	}
	t.Setenv("CONFIG_TEST_SET", "value")
	v, err := RequiredString("CONFIG_TEST_SET")
	if err != nil || v != "value" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestPort(t *testing.T) {
	if v, err := Port("CONFIG_TEST_MISSING", "8080"); err != nil || v != "8080" {
		t.Fatalf("got %q, %v", v, err)
	}
	t.Setenv("CONFIG_TEST_PORT", "70000")
	if _, err := Port("CONFIG_TEST_PORT", "8080"); err == nil {
		t.Fatal("out-of-range port must error")
	}
	t.Setenv("CONFIG_TEST_PORT", "not-a-port")
	if _, err := Port("CONFIG_TEST_PORT", "8080"); err == nil {
		t.Fatal("non-numeric port must error")
	}
}

func TestTypedGettersFallBackOnGarbage(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT", "abc")
	if got := Int("CONFIG_TEST_INT", 7); got != 7 {
		t.Fatalf("Int: %d", got)
	}
	t.Setenv("CONFIG_TEST_FLOAT", "abc")
	if got := Float("CONFIG_TEST_FLOAT", 0.5); got != 0.5 {
		t.Fatalf("Float: %v", got)
	}
	t.Setenv("CONFIG_TEST_DUR", "abc")
	if got := Duration("CONFIG_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("Duration: %v", got)
	}
	t.Setenv("CONFIG_TEST_BOOL", "abc")
	if got := Bool("CONFIG_TEST_BOOL", true); got != true {
		t.Fatalf("Bool: %v", got)
	}
}

func TestTypedGettersParse(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT", "42")
	if got := Int("CONFIG_TEST_INT", 7); got != 42 {
		t.Fatalf("Int: %d", got)
	}
	t.Setenv("CONFIG_TEST_FLOAT", "0.75")
	if got := Float("CONFIG_TEST_FLOAT", 0.5); got != 0.75 {
		t.Fatalf("Float: %v", got)
	}
	t.Setenv("CONFIG_TEST_DUR", "1m30s")
	if got := Duration("CONFIG_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("Duration: %v", got)
	}
	t.Setenv("CONFIG_TEST_BOOL", "false")
	if got := Bool("CONFIG_TEST_BOOL", true); got != false {
		t.Fatalf("Bool: %v", got)
	}
}
