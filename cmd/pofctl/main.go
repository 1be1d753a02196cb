package main

import (
	"fmt"
	"os"

	"PoF-Vault/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pofctl:", err)
		os.Exit(1)
	}
}
