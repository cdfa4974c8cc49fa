package main

import "github.com/viktsys/optionscan/cmd"

func main() {
	cmd.Execute()
}
