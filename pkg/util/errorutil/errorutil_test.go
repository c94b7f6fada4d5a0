package errorutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestToDomainErrorPassesThroughWrapped(t *testing.T) {
	wrapped := fmt.Errorf("resolve: %w", NewConflict("ticket not processed", nil))
	de := ToDomainError(wrapped)
	if de.Code != "CONFLICT" || de.HTTPStatus != http.StatusConflict {
		t.Fatalf("got %+v", de)
	}
}

func TestToDomainErrorFiberError(t *testing.T) {
	de := ToDomainError(fiber.ErrNotFound)
	if de.HTTPStatus != http.StatusNotFound || de.Code != "NOT_FOUND" {
		t.Fatalf("got %+v", de)
	}
}

func TestToDomainErrorDefaultsToInternal(t *testing.T) {
	cause := errors.New("disk on fire")
	de := ToDomainError(cause)
	if de.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("status = %d", de.HTTPStatus)
	}
	if !errors.Is(de, cause) {
		t.Fatalf("cause not preserved")
	}
	if ToDomainError(nil) != nil {
		t.Fatalf("nil should map to nil")
	}
}
