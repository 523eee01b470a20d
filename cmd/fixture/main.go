package main

import "github.com/OpenTraceLab/OpenTraceFixture/cmd/fixture/cmd"

func main() {
	cmd.Execute()
}
