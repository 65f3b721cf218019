package main

import "github.com/vyper-protocol/vyper-core-sub000/internal/cli"

func main() {
	cli.Execute()
}
