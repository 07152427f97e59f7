package projects

import (
	"fmt"
	"regexp"
)

const maxProjectIDLength = 100

var projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)

// ValidateProjectID checks that id is usable as a project key, in URLs and
// as a metrics label.
func ValidateProjectID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("project id cannot be empty")
	}
	if len(id) > maxProjectIDLength {
		return fmt.Errorf("project id length %d exceeds maximum of %d characters", len(id), maxProjectIDLength)
	}
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("project id %q must match pattern %s", id, projectIDPattern.String())
	}
	return nil
}
