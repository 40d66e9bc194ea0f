package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jonesrussell/north-cloud/asset-gateway/cmd"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := cmd.Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
