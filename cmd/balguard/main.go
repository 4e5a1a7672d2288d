package main

import "github.com/ogulcanaydogan/balance-guardian/internal/cli"

func main() {
	cli.Execute()
}
