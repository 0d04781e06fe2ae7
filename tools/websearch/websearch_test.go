package websearch

import (
	"errors"
	"testing"

	"github.com/mohammad-safakhou/deepresearch/config"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(config.SearchConfig{Provider: "brave"}); err == nil {
		t.Fatalf("expected error for missing brave key")
	}
	if _, err := New(config.SearchConfig{Provider: "serper"}); err == nil {
		t.Fatalf("expected error for missing serper key")
	}
}

func TestNewUnsupportedProvider(t *testing.T) {
	_, err := New(config.SearchConfig{Provider: "altavista"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("err = %v, want ErrUnsupportedProvider", err)
	}
}

func TestNewBuildsConfiguredProvider(t *testing.T) {
	s, err := New(config.SearchConfig{Provider: "brave", BraveAPIKey: "k"})
	if err != nil || s == nil {
		t.Fatalf("brave: %v", err)
	}
	s, err = New(config.SearchConfig{Provider: "serper", SerperAPIKey: "k"})
	if err != nil || s == nil {
		t.Fatalf("serper: %v", err)
	}
}
