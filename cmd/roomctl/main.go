package main

import "roomsync/cmd/internal/cli"

func main() {
	cli.Execute()
}
