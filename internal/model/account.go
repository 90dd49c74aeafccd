package model

import "strings"

// MatchAccount finds the account called name: an exact case-insensitive match
// wins, then a unique prefix, then a unique substring.
func MatchAccount(accounts []Account, name string) (Account, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return Account{}, false
	}

	for _, a := range accounts {
		if strings.ToLower(strings.TrimSpace(a.Name)) == needle {
			return a, true
		}
	}

	if a, ok := uniqueMatch(accounts, func(candidate string) bool {
		return strings.HasPrefix(candidate, needle)
	}); ok {
		return a, true
	}

	return uniqueMatch(accounts, func(candidate string) bool {
		return strings.Contains(candidate, needle)
	})
}

func uniqueMatch(accounts []Account, match func(string) bool) (Account, bool) {
	var found Account
	count := 0
	for _, a := range accounts {
		if match(strings.ToLower(a.Name)) {
			found = a
			count++
		}
	}
	return found, count == 1
}
