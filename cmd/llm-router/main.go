package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := RootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "llm-router: %v\n", err)
		os.Exit(1)
	}
}
