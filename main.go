// The main package for the progressrelay executable.
package main

import (
	"github.com/JakeFAU/remote-progress-relay/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
