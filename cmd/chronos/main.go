package main

import (
	"context"
	"os"
)

func main() {
	if err := Execute(context.Background()); err != nil {
		os.Exit(HandleError(rootCmd, err))
	}
	os.Exit(ExitSuccess)
}
