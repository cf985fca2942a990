package main

import "github.com/anatolykoptev/go-imagecheck/internal/cli"

func main() {
	cli.Execute()
}
