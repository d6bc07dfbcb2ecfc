// Command bacstackd runs a standalone BACnet device over BACnet/IP,
// exercising the bacstack library end to end. It is a demonstration
// harness, not part of the library's contract.
package main

import (
	"fmt"
	"os"

	"github.com/shigmas/bacstack/cmd/bacstackd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
