package main

import "trustlog/internal/cli"

// main stays lean: command wiring lives in internal/cli.
func main() {
	cli.Execute()
}
