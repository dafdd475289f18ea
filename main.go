// The main package for the scrape-edu executable.
package main

import (
	"github.com/salevine/scrape-edu/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
