package main

import "github.com/x402-foundation/paygate/internal/cmd"

func main() {
	cmd.Execute()
}
