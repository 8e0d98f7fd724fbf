package main

import (
	"pledge-intake/internal/cli"
)

func main() {
	cli.Execute()
}
