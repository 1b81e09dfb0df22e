package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestError_Message(t *testing.T) {
	err := New(InvalidRocketchatToken, "no server registered for token")
	want := "InvalidRocketchatToken: no server registered for token"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestError_CauseChain(t *testing.T) {
	inner := stderrors.New("connection refused")
	mid := Wrap(BackendError, inner, "query rooms")
	outer := Wrap(InternalServerError, mid, "handle member event")

	if !strings.Contains(outer.Error(), "connection refused") {
		t.Errorf("cause not rendered: %q", outer.Error())
	}
	if !stderrors.Is(outer, inner) {
		t.Error("errors.Is should find the root cause through the chain")
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := stderrors.New("boom")
	err := Wrap(MatrixAPIError, inner, "join room")
	if stderrors.Unwrap(err) != inner {
		t.Error("Unwrap should return the cause")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", New(NotFound, "room"), NotFound},
		{"wrapped classified", fmt.Errorf("handler: %w", New(InvalidJSON, "body")), InvalidJSON},
		{"unclassified", stderrors.New("plain"), InternalServerError},
		{"zero kind", &Error{Message: "no kind"}, InternalServerError},
	}
	for _, tc := range tests {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: KindOf = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestKindOf_OutermostWins(t *testing.T) {
	err := Wrap(MatrixAPIError, New(InvalidJSON, "decode"), "fetch creator")
	if got := KindOf(err); got != MatrixAPIError {
		t.Errorf("KindOf = %q, want MatrixApiError", got)
	}
}

func TestIsKind_Chain(t *testing.T) {
	err := Wrap(InternalServerError, Wrap(BackendError, stderrors.New("disk"), "insert"), "handler")

	if !IsKind(err, BackendError) {
		t.Error("IsKind should find BackendError deeper in the chain")
	}
	if !IsKind(err, InternalServerError) {
		t.Error("IsKind should match the outermost kind")
	}
	if IsKind(err, NotFound) {
		t.Error("IsKind should not match an absent kind")
	}
}

func TestIsHelpers(t *testing.T) {
	if !IsNotFound(New(NotFound, "user")) {
		t.Error("IsNotFound")
	}
	if !IsUniqueViolation(Wrap(UniqueViolation, stderrors.New("dup"), "insert room")) {
		t.Error("IsUniqueViolation")
	}
	if IsNotFound(stderrors.New("other")) {
		t.Error("IsNotFound on unclassified error")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidJSON, http.StatusBadRequest},
		{MissingRocketchatToken, http.StatusUnauthorized},
		{InvalidRocketchatToken, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{InternalServerError, http.StatusInternalServerError},
		{BackendError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := HTTPStatus(tc.kind); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}
