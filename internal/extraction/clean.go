package extraction

import (
	"regexp"
	"strings"
)

var (
	codeFence = regexp.MustCompile("(?i)```(?:json)?\\s*")
	// Preambles models like to put in front of the JSON despite being told not to
	chattyPrefixes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^here's the extracted data:?\s*`),
		regexp.MustCompile(`(?i)^here is the json:?\s*`),
		regexp.MustCompile(`(?i)^the extracted receipt data is:?\s*`),
		regexp.MustCompile(`(?i)^based on the email.*?:\s*`),
	}
)

// CleanResponse isolates the JSON object in a model reply. It drops code
// fences and chatty preambles, then keeps the span from the first '{' to the
// last '}'. It assumes the reply holds exactly one object.
func CleanResponse(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}

	cleaned := strings.TrimSpace(codeFence.ReplaceAllString(text, ""))
	for _, prefix := range chattyPrefixes {
		cleaned = prefix.ReplaceAllString(cleaned, "")
	}

	if start := strings.Index(cleaned, "{"); start != -1 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			cleaned = cleaned[start : end+1]
		}
	}

	return strings.TrimSpace(cleaned), nil
}
