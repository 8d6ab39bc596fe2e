// Command pio controls this Pioreactor unit: run jobs, tail logs, kill jobs,
// and manage calibrations.
package main

import (
	"os"

	"github.com/pioreactor/pioreactor-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewPioCmd()))
}
