package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// .env fills in variables the environment does not already set.
	_ = godotenv.Load()

	initHelp(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		outputError(os.Stderr, err)
		os.Exit(1)
	}
}
