// ABOUTME: Version information for the relay and client binaries
// ABOUTME: Reported in startup logs and the -version flag
package version

import "fmt"

const (
	Version      = "0.1.0"
	Product      = "liverelay"
	Manufacturer = "Agent Shifty"
)

// String formats a component's version line, e.g. "liverelay relay 0.1.0"
func String(component string) string {
	if component == "" {
		return fmt.Sprintf("%s %s", Product, Version)
	}
	return fmt.Sprintf("%s %s %s", Product, component, Version)
}
