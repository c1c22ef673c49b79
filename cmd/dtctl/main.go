// Command dtctl operates a fabric digital twin: serving its HTTP surface,
// planning jobs against its current snapshot, running chaos scenarios, and
// inspecting state. See internal/cli for the command tree.
package main

import (
	"os"

	"github.com/fabricdt/dt/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
