// qctl runs the maintenance jobs of quarantined: retention sweeps, map
// regeneration, list edits and the recipient backfill.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/masa23/quarantined/sweeper"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, sweeper.ErrLocked) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
