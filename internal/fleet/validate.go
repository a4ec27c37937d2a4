package fleet

import "fmt"

// ErrUnknownClient is returned by lookups for a number the daemon does not manage.
type ErrUnknownClient struct {
	Number string
}

func (e *ErrUnknownClient) Error() string {
	return fmt.Sprintf("unknown client %q", e.Number)
}

// ValidateNumber checks that number is a bare phone number in international
// format without the leading plus: digits only, 8 to 15 characters.
func ValidateNumber(number string) error {
	if len(number) < 8 || len(number) > 15 {
		return fmt.Errorf("invalid client number %q: must be 8-15 digits", number)
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return fmt.Errorf("invalid client number %q: must contain only digits", number)
		}
	}
	return nil
}
