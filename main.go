package main

import "perp-spike-alerts/internal/cli"

func main() {
	cli.Execute()
}
