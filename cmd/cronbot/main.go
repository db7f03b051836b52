// Command cronbot runs the job scheduler daemon and is the operator's
// approval console.
package main

import (
	"os"

	"cronbot/cmd/cronbot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
