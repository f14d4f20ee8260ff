package main

import "github.com/sergev/gammaspec/cmd"

func main() {
	cmd.Execute()
}
