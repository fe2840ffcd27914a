package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	cause := errors.New("db down")
	err := fmt.Errorf("load user: %w", Wrap(KindInternal, "", cause))
	if KindOf(err) != KindInternal {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause should be reachable through errors.Is")
	}

	conflict := fmt.Errorf("register: %w", Conflict("username_taken"))
	if !Is(conflict, KindConflict) || DetailOf(conflict) != "username_taken" {
		t.Fatalf("unexpected conflict classification: %v", conflict)
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("untyped errors are internal")
	}
}

func TestStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:       http.StatusBadRequest,
		KindUnauthenticated:  http.StatusUnauthorized,
		KindForbidden:        http.StatusForbidden,
		KindNotFound:         http.StatusNotFound,
		KindConflict:         http.StatusConflict,
		KindUpstreamFailure:  http.StatusInternalServerError,
		KindExtractionFailed: http.StatusInternalServerError,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := Status(kind); got != want {
			t.Fatalf("Status(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestToResponseHidesInternalCause(t *testing.T) {
	status, body := ToResponse(errors.New("pq: password authentication failed"))
	if status != http.StatusInternalServerError || body.Error != KindInternal || body.Detail != "" {
		t.Fatalf("unexpected response %d %+v", status, body)
	}
	status, body = ToResponse(Wrap(KindUpstreamFailure, "upstream 502", errors.New("bad gateway")))
	if status != http.StatusInternalServerError || body.Error != KindUpstreamFailure || body.Detail != "upstream 502" {
		t.Fatalf("unexpected upstream response %d %+v", status, body)
	}
}
