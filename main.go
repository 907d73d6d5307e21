package main

import (
	"os"

	"github.com/maastricht-university/speechcaps/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
