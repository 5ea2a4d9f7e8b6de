// Package ai provides shared plumbing for the LLM provider adapters:
// response cleaning, provider error classification, and the instrumented
// outbound HTTP client.
package ai

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ResponseCleaner handles cleaning and sanitizing LLM responses.
//
// Models routinely wrap JSON in markdown fences or prepend prose; the
// cleaner recovers the JSON object so stage validation sees only data.
type ResponseCleaner struct{}

// NewResponseCleaner creates a new response cleaner.
func NewResponseCleaner() *ResponseCleaner {
	return &ResponseCleaner{}
}

// CleanJSONResponse strips markdown fences and surrounding prose from a
// model response and returns the embedded JSON object.
func (rc *ResponseCleaner) CleanJSONResponse(response string) string {
	response = rc.removeMarkdownBlocks(response)
	response = rc.extractJSON(response)
	if rc.IsValidJSON(response) {
		return response
	}
	return rc.fixCommonJSONIssues(response)
}

// removeMarkdownBlocks removes markdown code fences from the response.
func (rc *ResponseCleaner) removeMarkdownBlocks(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// extractJSON extracts the first balanced JSON object from mixed content.
func (rc *ResponseCleaner) extractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}
	braceCount := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				braceCount++
			}
		case '}':
			if !inString {
				braceCount--
				if braceCount == 0 {
					return response[start : i+1]
				}
			}
		}
	}
	return response
}

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// fixCommonJSONIssues repairs trailing commas and stray prefix content.
func (rc *ResponseCleaner) fixCommonJSONIssues(response string) string {
	response = trailingCommaRe.ReplaceAllString(response, "$1")
	if start := strings.Index(response, "{"); start > 0 {
		response = response[start:]
	}
	return response
}

// IsValidJSON checks if a string is valid JSON.
func (rc *ResponseCleaner) IsValidJSON(response string) bool {
	var temp interface{}
	return json.Unmarshal([]byte(response), &temp) == nil
}
