package upstream

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/allaspectsdev/keyrelay/internal/queue"
)

const temporaryNote = "This is likely a temporary error with the upstream service. Try again in a few seconds."

var orgPattern = regexp.MustCompile(`org-.{24}`)

// scrubOrg hides organization ids in messages shown to clients.
func scrubOrg(s string) string {
	return orgPattern.ReplaceAllString(s, "org-xxxxxxxxxxxxxxxxxxx")
}

// ErrorResponse builds a JSON error in the proxy's own shape.
func ErrorResponse(status int, typ, message, note string) *queue.Response {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "error.type", typ)
	body, _ = sjson.SetBytes(body, "error.message", message)
	if note != "" {
		body, _ = sjson.SetBytes(body, "proxy_note", note)
	}
	return &queue.Response{Status: status, Header: jsonHeader(nil), Body: body}
}

// NetworkFailure builds the response for an upstream call that produced no
// response at all. The key is left alone.
func NetworkFailure(err error) *queue.Response {
	return ErrorResponse(http.StatusBadGateway, "proxy_upstream_unreachable",
		fmt.Sprintf("Upstream request failed: %v", err), temporaryNote)
}

// CredentialFailure builds the response for a request the proxy cannot
// authenticate with the configured keys.
func CredentialFailure(err error) *queue.Response {
	return ErrorResponse(http.StatusNotImplemented, "proxy_configuration_error",
		err.Error(), "This deployment has no usable credentials for the requested service.")
}

// annotate attaches note to an upstream error payload, wrapping payloads
// that are not JSON objects.
func annotate(resp *queue.Response, note string) *queue.Response {
	body := resp.Body
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		wrapped := []byte(`{}`)
		wrapped, _ = sjson.SetBytes(wrapped, "error.type", "proxy_upstream_error")
		wrapped, _ = sjson.SetBytes(wrapped, "error.message", scrubOrg(string(body)))
		body = wrapped
	} else if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		body, _ = sjson.SetBytes(body, "error.message", scrubOrg(msg.String()))
	}
	body, _ = sjson.SetBytes(body, "proxy_note", note)
	return &queue.Response{Status: resp.Status, Header: jsonHeader(resp.Header), Body: body}
}

func jsonHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Del("Content-Length")
	out.Del("Content-Encoding")
	out.Set("Content-Type", "application/json")
	return out
}

func tryAgain(remaining int) string {
	if remaining > 0 {
		return fmt.Sprintf("There are %d more keys available; try your request again.", remaining)
	}
	return "There are no more keys available."
}
