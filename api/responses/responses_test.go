package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/types"
)

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"hello": "world"})

	if got := w.Code; got != http.StatusOK {
		t.Fatalf("expected status 200 but got %d", got)
	}

	var body types.SuccessEnvelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode success envelope: %v", err)
	}
	if body.Data.(map[string]any)["hello"] != "world" {
		t.Fatalf("unexpected payload %v", body.Data)
	}
}

func TestWriteErrorMapsTypedError(t *testing.T) {
	w := httptest.NewRecorder()
	err := pkgerrors.New(pkgerrors.CodeValidation, "password must be at least 6 characters").
		WithDetails(map[string]any{"step": "signup", "field": "password"})
	WriteError(context.Background(), nil, w, err)

	if got := w.Code; got != http.StatusBadRequest {
		t.Fatalf("expected status 400 but got %d", got)
	}

	var body types.ErrorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	if body.Error.Code != string(pkgerrors.CodeValidation) {
		t.Fatalf("unexpected code %s", body.Error.Code)
	}
	if body.Error.Message != "password must be at least 6 characters" {
		t.Fatalf("expected the typed message, got %q", body.Error.Message)
	}
	if body.Error.Details == nil {
		t.Fatalf("expected details in public payload")
	}
}

func TestWriteErrorDefaultsToInternalForUntrustedErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(context.Background(), nil, w, errors.New("boom"))

	if got := w.Code; got != http.StatusInternalServerError {
		t.Fatalf("expected status 500 but got %d", got)
	}

	var body types.ErrorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	if body.Error.Code != string(pkgerrors.CodeInternal) {
		t.Fatalf("unexpected code %s", body.Error.Code)
	}
	if body.Error.Message == "boom" {
		t.Fatalf("internal error text must not leak")
	}
	if body.Error.Details != nil {
		t.Fatalf("details should be omitted for internal errors")
	}
}

func TestWriteErrorStorageHidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	err := pkgerrors.New(pkgerrors.CodeStorage, "redis offline").WithDetails(map[string]any{"key": "rs:cart:x"})
	WriteError(context.Background(), nil, w, err)

	if got := w.Code; got != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 but got %d", got)
	}
	var body types.ErrorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	if body.Error.Details != nil || body.Error.Message != "storage unavailable" {
		t.Fatalf("storage errors must use the public message only, got %+v", body.Error)
	}
}

func TestWriteErrorLogsChainWithStep(t *testing.T) {
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Output: &buf})

	cause := errors.New("dial tcp: refused")
	err := pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, cause, "unable to check right now").
		WithDetails(map[string]any{"step": "enter"})
	WriteError(context.Background(), logg, httptest.NewRecorder(), err)

	out := buf.String()
	for _, want := range []string{`"request.error"`, `"step":"enter"`, "dial tcp: refused"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log line, got %s", want, out)
		}
	}
}
