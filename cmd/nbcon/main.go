// Command nbcon is the terminal client for the assistant daemon.
package main

import (
	"fmt"
	"os"

	"github.com/nbcon/assistant/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
