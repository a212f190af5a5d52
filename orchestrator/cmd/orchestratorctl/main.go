package main

import "github.com/sodmaster111/sodmaster/orchestrator/internal/cli"

func main() {
	cli.Execute()
}
