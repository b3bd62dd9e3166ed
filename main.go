package main

import "github.com/chozzz/vargos/cmd"

func main() {
	cmd.Execute()
}
