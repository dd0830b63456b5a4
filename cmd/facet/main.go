package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// An interrupted foreground run reports its own outcome before the
		// context error surfaces here.
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "facet: %v\n", err)
		}
		os.Exit(1)
	}
}
