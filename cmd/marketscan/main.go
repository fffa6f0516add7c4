// Package main is the entry point for the marketscan binary.
package main

import "github.com/aristath/marketscan/internal/cli"

func main() {
	cli.Execute()
}
