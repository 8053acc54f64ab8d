package main

import "testworker/cmd/cli"

func main() {
	cli.Execute()
}
