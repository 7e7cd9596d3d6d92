// The main package for the harvest executable.
package main

import (
	"github.com/JakeFAU/stackharvest/cmd"
)

func main() {
	cmd.Execute()
}
