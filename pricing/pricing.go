// Package pricing turns an (endpoint, request body) pair into a price in
// sats, and normalizes the body so worst-case upstream cost is bounded.
// Everything here is pure computation over the loaded catalog; validation
// failures surface as typed APIErrors before any invoice is created.
package pricing

import (
	"fmt"
	"net/http"
	"strings"

	"satgate-backend/config"
	"satgate-backend/models"
)

// Endpoints whose bodies must be JSON objects and are pre-validated.
var jsonEndpoints = map[string]bool{
	"/v1/chat/completions":   true,
	"/v1/responses":          true,
	"/v1/images/generations": true,
	"/v1/audio/speech":       true,
	"/v1/embeddings":         true,
	"/v1/moderations":        true,
	"/v1/video/generations":  true,
}

// RequiresJSON reports whether the endpoint body must be a JSON object.
// Multipart endpoints (audio transcription, image edits) are forwarded as
// raw bytes and are not pre-validated.
func RequiresJSON(normalizedPath string) bool {
	return jsonEndpoints[normalizedPath]
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindList
	kindStringOrList
)

type requiredField struct {
	name string
	kind fieldKind
}

var requiredFields = map[string][]requiredField{
	"/v1/chat/completions":   {{"messages", kindList}},
	"/v1/responses":          {{"input", kindStringOrList}},
	"/v1/images/generations": {{"prompt", kindString}},
	"/v1/audio/speech":       {{"input", kindString}, {"voice", kindString}},
	"/v1/embeddings":         {{"input", kindStringOrList}},
	"/v1/moderations":        {{"input", kindStringOrList}},
	"/v1/video/generations":  {{"prompt", kindString}},
}

func (k fieldKind) label() string {
	switch k {
	case kindString:
		return "string"
	case kindList:
		return "list"
	default:
		return "string or list"
	}
}

func (k fieldKind) matches(v any) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindList:
		_, ok := v.([]any)
		return ok
	default:
		if _, ok := v.(string); ok {
			return true
		}
		_, ok := v.([]any)
		return ok
	}
}

// ValidateRequired checks required-field presence, type, and non-emptiness
// for the endpoint. Returns nil when the endpoint has no requirements.
func ValidateRequired(normalizedPath string, body map[string]any) *models.APIError {
	for _, f := range requiredFields[normalizedPath] {
		v, present := body[f.name]
		if !present || v == nil {
			return models.NewAPIError(http.StatusBadRequest, "missing_required_field",
				fmt.Sprintf("Required field '%s' is missing", f.name))
		}
		if !f.kind.matches(v) {
			return models.NewAPIError(http.StatusBadRequest, "invalid_field_type",
				fmt.Sprintf("Field '%s' must be %s", f.name, f.kind.label()))
		}
		if list, ok := v.([]any); ok && len(list) == 0 {
			return models.NewAPIError(http.StatusBadRequest, "invalid_field_value",
				fmt.Sprintf("Field '%s' must not be empty", f.name))
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return models.NewAPIError(http.StatusBadRequest, "invalid_field_value",
				fmt.Sprintf("Field '%s' must not be empty", f.name))
		}
	}
	return nil
}

// resolveModel looks up the model entry for a request, falling back to the
// catalog's _default entry.
func resolveModel(ep *config.Endpoint, modelName string) *config.Model {
	if m, ok := ep.Models[modelName]; ok {
		return m
	}
	return ep.Models["_default"]
}

func modelName(body map[string]any) string {
	if v, ok := body["model"]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return "_default"
}

// PriceForRequest computes the price in sats for a request against an
// endpoint, applying the configured floor. Unknown models on per_model
// endpoints fail with model_not_supported.
func PriceForRequest(cfg *config.Config, ep *config.Endpoint, body map[string]any) (int64, *models.APIError) {
	var price int64
	switch ep.PriceType {
	case "flat":
		price = ep.PriceSats
	case "per_model":
		name := modelName(body)
		m := resolveModel(ep, name)
		if m == nil {
			return 0, models.NewAPIError(http.StatusBadRequest, "model_not_supported",
				fmt.Sprintf("Model '%s' is not available", name))
		}
		price = m.PriceSats
	default:
		return 0, models.NewAPIError(http.StatusInternalServerError, "server_error",
			fmt.Sprintf("unsupported price type: %s", ep.PriceType))
	}
	if price < cfg.PriceFloorSats {
		price = cfg.PriceFloorSats
	}
	return price, nil
}

// applyOutputTokenCap clamps the caller-supplied output-size parameter down
// to the model's configured cap (never up) and normalizes it to the
// max_output_tokens key. This bounds worst-case upstream cost.
func applyOutputTokenCap(ep *config.Endpoint, body map[string]any) *models.APIError {
	name := modelName(body)
	m := resolveModel(ep, name)
	if m == nil {
		return models.NewAPIError(http.StatusBadRequest, "model_not_supported",
			fmt.Sprintf("Model '%s' is not available", name))
	}

	if m.MaxOutputTokens > 0 {
		requested := int64(-1)
		for _, key := range []string{"max_tokens", "max_completion_tokens", "max_output_tokens"} {
			if v, ok := body[key]; ok && v != nil {
				if n, ok := asInt64(v); ok {
					requested = n
					break
				}
			}
		}
		if requested < 0 || requested > m.MaxOutputTokens {
			body["max_output_tokens"] = m.MaxOutputTokens
		} else {
			body["max_output_tokens"] = requested
		}
	}
	delete(body, "max_completion_tokens")
	delete(body, "max_tokens")
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// ApplyRequestRules normalizes the body for a given endpoint before it is
// priced or forwarded: token caps for text endpoints, forced n=1 for
// image/video generation. The body is mutated in place.
func ApplyRequestRules(normalizedPath string, ep *config.Endpoint, body map[string]any) *models.APIError {
	switch normalizedPath {
	case "/v1/chat/completions":
		if err := applyOutputTokenCap(ep, body); err != nil {
			return err
		}
		// The chat completions API reads max_tokens, not max_output_tokens.
		if cap, ok := body["max_output_tokens"]; ok {
			delete(body, "max_output_tokens")
			body["max_tokens"] = cap
		}
	case "/v1/responses":
		if err := applyOutputTokenCap(ep, body); err != nil {
			return err
		}
	case "/v1/images/generations", "/v1/images/edits", "/v1/video/generations":
		body["n"] = 1
	}
	return nil
}
