package router

import "strings"

// Separator splits a topic into its domain and event type segments.
const Separator = "."

// MatchTopic reports whether topic matches pattern. "*" matches exactly one segment and
// "#" matches zero or more segments anywhere in the pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, Separator)
	topicParts := strings.Split(topic, Separator)

	tLen := len(topicParts)
	dp := make([]bool, tLen+1)
	prev := make([]bool, tLen+1)
	prev[0] = true

	for _, pPart := range patternParts {
		// dp[0]: the pattern so far matches an empty topic, only possible with "#"
		dp[0] = pPart == "#" && prev[0]
		for j := 1; j <= tLen; j++ {
			switch pPart {
			case "#":
				dp[j] = prev[j] || dp[j-1]
			case "*":
				dp[j] = prev[j-1]
			default:
				dp[j] = prev[j-1] && pPart == topicParts[j-1]
			}
		}
		copy(prev, dp)
	}
	return prev[tLen]
}

// specificity orders patterns so literal segments win over "*" and "*" wins over "#".
func specificity(pattern string) (literal, wild, multi int) {
	for _, part := range strings.Split(pattern, Separator) {
		switch part {
		case "#":
			multi++
		case "*":
			wild++
		default:
			literal++
		}
	}
	return literal, wild, multi
}

func validPattern(pattern string) bool {
	if strings.TrimSpace(pattern) == "" {
		return false
	}
	for _, part := range strings.Split(pattern, Separator) {
		if part == "" {
			return false
		}
	}
	return true
}
