package main

import (
	"context"
	"os"

	"github.com/grovetools/bithost/cli"
	"github.com/grovetools/bithost/cmd"
)

func main() {
	rootCmd := cmd.NewRootCmd()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !cmd.IsSilent(err) {
			verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
			cli.NewErrorHandler(os.Stderr, verbose).Handle(err)
		}
		os.Exit(1)
	}
}
