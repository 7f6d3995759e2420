package main

import "github.com/ppiankov/chainseal/internal/cli"

func main() {
	cli.Execute()
}
