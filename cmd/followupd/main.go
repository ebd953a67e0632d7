// Command followupd runs the follow-up sequence automation engine.
package main

import (
	"fmt"
	"os"

	"github.com/homelistingai/followup/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
