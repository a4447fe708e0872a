package paths

import (
	"errors"
	"fmt"
	"regexp"
)

var instanceNameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ErrInvalidInstanceName marks a name the gateway would reject. Matched
// with errors.Is.
var ErrInvalidInstanceName = errors.New("invalid instance name")

// ValidateInstanceName checks that name conforms to gateway instance naming
// rules. The gateway embeds the name in URL paths, so it is validated before
// any request is built.
func ValidateInstanceName(name string) error {
	if !instanceNameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match ^[a-z0-9_-]{1,64}$", ErrInvalidInstanceName, name)
	}
	return nil
}
