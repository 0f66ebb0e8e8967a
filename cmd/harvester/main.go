// The main package for the harvester executable.
package main

import (
	"github.com/JakeFAU/rdf-harvester/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
