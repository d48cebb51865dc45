// Command bal-publication runs the BAL publication and synchronization server.
package main

import (
	"os"

	"github.com/bal-adresse/publication-server/cmd/bal-publication/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
