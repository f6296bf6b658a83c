package main

import (
	"os"

	"github.com/mirkobrombin/go-lease/cmd/leasectl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
