package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/notifyd/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "notifyd: %v\n", err)
		os.Exit(1)
	}
}
