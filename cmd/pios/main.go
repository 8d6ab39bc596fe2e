// Command pios controls the cluster from the leader: fan out job starts and
// software updates to the workers.
package main

import (
	"os"

	"github.com/pioreactor/pioreactor-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewPiosCmd()))
}
