// The main package for the harvester executable.
package main

import (
	"github.com/harvestd/listing-harvester/cmd"
)

func main() {
	cmd.Execute()
}
