package research

import "fmt"

// extractJSON pulls the first balanced JSON object out of an LLM response,
// tolerating prose or code fences around it.
func extractJSON(response string) (string, error) {
	start := -1
	depth := 0
	for i, ch := range response {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return response[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("no JSON object found in response")
}
