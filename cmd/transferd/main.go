// Command transferd runs and drives durable money transfers.
package main

import "github.com/tutu-network/transferd/internal/cli"

func main() {
	cli.Execute()
}
