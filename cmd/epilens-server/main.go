package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kestlerbio/epilens/internal/app"
	"github.com/kestlerbio/epilens/internal/platform/shutdown"
)

func main() {
	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Printf("failed to start: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		fmt.Printf("server exited with error: %v\n", err)
		os.Exit(1)
	}
}
