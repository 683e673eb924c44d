package main

import "github.com/ccrelay/ccrelay/cmd"

func main() {
	cmd.Execute()
}
