package main

import (
	"github.com/peerwave/peerwave/internal/cli"
)

func main() {
	cli.Execute()
}
