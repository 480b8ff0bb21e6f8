package upstream

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

// Category is the classification of one upstream error response.
type Category int

const (
	CategoryNone Category = iota
	CategoryMissingPreamble
	CategoryBadRequest
	CategoryUnauthorized
	CategoryQuotaExceeded
	CategoryBanned
	CategoryRateLimitRequests
	CategoryRateLimitTokens
	CategoryRateLimitUnknown
	CategoryNotFound
	CategoryUnknown
)

var categoryNames = map[Category]string{
	CategoryNone:              "none",
	CategoryMissingPreamble:   "missing_preamble",
	CategoryBadRequest:        "bad_request",
	CategoryUnauthorized:      "unauthorized",
	CategoryQuotaExceeded:     "quota_exceeded",
	CategoryBanned:            "banned",
	CategoryRateLimitRequests: "rate_limit_requests",
	CategoryRateLimitTokens:   "rate_limit_tokens",
	CategoryRateLimitUnknown:  "rate_limit_unknown",
	CategoryNotFound:          "not_found",
	CategoryUnknown:           "unknown",
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return "unknown"
}

// Kind is the client-facing error taxonomy a category resolves to.
type Kind int

const (
	KindNone Kind = iota
	// KindForward errors are returned to the client with a note.
	KindForward
	// KindRetryable errors are resolved internally by re-queueing.
	KindRetryable
	KindTransientRateLimit
	KindKeyDisabledRevoked
	KindKeyDisabledQuota
)

// Kind maps c onto the error taxonomy.
func (c Category) Kind() Kind {
	switch c {
	case CategoryNone:
		return KindNone
	case CategoryMissingPreamble:
		return KindRetryable
	case CategoryUnauthorized, CategoryBanned:
		return KindKeyDisabledRevoked
	case CategoryQuotaExceeded:
		return KindKeyDisabledQuota
	case CategoryRateLimitRequests, CategoryRateLimitTokens:
		return KindTransientRateLimit
	default:
		return KindForward
	}
}

// Classification is the result of inspecting an upstream response.
type Classification struct {
	Category Category
	Status   int
	Type     string
	Code     string
	Message  string
	// Parsed is false when the body held no recognisable error object.
	Parsed bool
}

const missingPreambleMarker = "prompt must start with \"\n\nHuman:\" turn"

// Classify inspects an upstream status and body. It has no side effects.
func Classify(service keys.Service, status int, body []byte) Classification {
	c := Classification{Status: status}
	if status < http.StatusBadRequest {
		return c
	}

	var reason string
	if gjson.ValidBytes(body) {
		errNode := gjson.GetBytes(body, "error")
		switch {
		case errNode.Type == gjson.String:
			c.Parsed = true
			c.Message = errNode.String()
		case errNode.IsObject():
			c.Parsed = true
			c.Type = errNode.Get("type").String()
			c.Code = errNode.Get("code").String()
			c.Message = errNode.Get("message").String()
			if c.Type == "" {
				c.Type = errNode.Get("status").String()
			}
			reason = errNode.Get("details.#.reason").Get("0").String()
		}
	}

	switch status {
	case http.StatusBadRequest:
		switch {
		case service == keys.ServiceAnthropic && strings.Contains(c.Message, missingPreambleMarker):
			c.Category = CategoryMissingPreamble
		case service == keys.ServiceAnthropic && strings.Contains(strings.ToLower(c.Message), "credit balance"):
			c.Category = CategoryQuotaExceeded
		case reason == "API_KEY_INVALID":
			c.Category = CategoryUnauthorized
		default:
			c.Category = CategoryBadRequest
		}
	case http.StatusUnauthorized:
		c.Category = CategoryUnauthorized
	case http.StatusNotFound:
		c.Category = CategoryNotFound
	case http.StatusTooManyRequests:
		c.Category = classifyRateLimit(c.Type, c.Code)
	default:
		c.Category = CategoryUnknown
	}
	return c
}

func classifyRateLimit(typ, code string) Category {
	switch typ {
	case "insufficient_quota":
		return CategoryQuotaExceeded
	case "access_terminated", "billing_not_active":
		return CategoryBanned
	case "requests", "rate_limit_error", "RESOURCE_EXHAUSTED", "ThrottlingException":
		return CategoryRateLimitRequests
	case "tokens":
		return CategoryRateLimitTokens
	}
	if code == "rate_limit_exceeded" {
		return CategoryRateLimitRequests
	}
	return CategoryRateLimitUnknown
}
