package internal

import (
	"errors"
	"net/http"
	"os"
	"testing"

	"github.com/matrix-org/complement/must"
	"github.com/tidwall/gjson"
)

func TestAssertion(t *testing.T) {
	os.Setenv(DebugEnvVar, "1")
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv(DebugEnvVar, "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if COLLAB_DEBUG is not 1", false)
	})
}

func TestHandlerErrorJSON(t *testing.T) {
	cause := errors.New("websocket upgrade failed")
	herr := &HandlerError{StatusCode: http.StatusBadRequest, Err: cause}
	must.Equal(t, herr.Error(), "HTTP 400 : websocket upgrade failed", "Error() mismatch")
	must.Equal(t, errors.Is(herr, cause), true, "HandlerError should unwrap to its cause")
	body := gjson.ParseBytes(herr.JSON())
	must.Equal(t, body.Get("error").Str, "HTTP 400 : websocket upgrade failed", "JSON error field mismatch")
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := recover()
		if err != nil {
			if shouldPanic {
				return
			}
			t.Fatalf("panic: %s", err)
		} else {
			if shouldPanic {
				t.Fatalf("function did not panic")
			}
		}
	}()
	fn()
}
