// The main package for the pricepulse executable.
package main

import (
	"github.com/JakeFAU/price-pulse/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
