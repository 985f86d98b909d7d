// Arclight CLI - API transport debugging command-line interface.
package main

import (
	"os"

	"github.com/arclight-labs/arclight/cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
