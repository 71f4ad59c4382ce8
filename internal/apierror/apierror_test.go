package apierror

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeExtraction(t *testing.T) {
	err := MetricNotFound("hits")
	if Code(err) != "metric_not_found" {
		t.Fatalf("code = %q", Code(err))
	}

	wrapped := fmt.Errorf("expand usage: %w", err)
	if Code(wrapped) != "metric_not_found" {
		t.Fatalf("wrapped code = %q", Code(wrapped))
	}

	if Code(errors.New("plain")) != "" {
		t.Fatal("plain error yielded a code")
	}
	if Code(nil) != "" {
		t.Fatal("nil error yielded a code")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	if !errors.Is(ApplicationKeyInvalid("a"), ApplicationKeyInvalid("b")) {
		t.Fatal("same-code errors should match")
	}
	if errors.Is(ApplicationKeyInvalid("a"), MetricNotFound("m")) {
		t.Fatal("different-code errors should not match")
	}
}
