// Command valen boots a simulated instance of the kernel's memory and
// multitasking core.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&Boot{}, "")

	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}
