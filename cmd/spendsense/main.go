package main

import "spendsense/internal/cli"

func main() {
	cli.Execute()
}
