package mailbox

import (
	"fmt"

	"github.com/nyaruka/phonenumbers"
)

// normalizeRecipient sanitises a user-entered number to E.164. Bare national
// numbers are assumed to be US unless prefixed with +.
func normalizeRecipient(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty recipient")
	}

	region := "US"
	if s[0] == '+' {
		region = ""
	}
	num, err := phonenumbers.Parse(s, region)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", s, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%q is not a valid number", s)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
