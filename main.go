// The main package for the seo-crawler executable.
package main

import (
	"github.com/JakeFAU/seo-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
