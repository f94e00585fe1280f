package provider

import (
	"net/http"
	"strings"

	"github.com/denis-ea7/cluely-sub000/internal/fault"
)

// classifyHTTP maps a provider HTTP status and message into a fault kind.
// Providers share the same broad signatures: 429 for quota, 404 or a
// "model not found" message for capability mismatch, and 403 with a
// region/country wording for geographic blocks.
func classifyHTTP(status int, message string) fault.Kind {
	msg := strings.ToLower(message)

	switch status {
	case http.StatusTooManyRequests:
		return fault.KindRateLimited
	case http.StatusNotFound:
		return fault.KindUnsupportedModel
	case http.StatusForbidden, http.StatusUnauthorized:
		if isRegionMessage(msg) {
			return fault.KindRegionBlocked
		}
	}

	if isRegionMessage(msg) {
		return fault.KindRegionBlocked
	}
	if isModelMessage(msg) {
		return fault.KindUnsupportedModel
	}
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") {
		return fault.KindRateLimited
	}

	return fault.KindTransport
}

func isRegionMessage(msg string) bool {
	for _, marker := range []string{
		"unsupported_country_region_territory",
		"country, region, or territory",
		"region not supported",
		"location is not supported",
		"user location",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isModelMessage(msg string) bool {
	if !strings.Contains(msg, "model") {
		return false
	}
	for _, marker := range []string{"not found", "does not exist", "not supported", "unknown", "invalid model"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
