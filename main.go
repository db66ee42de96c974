package main

import "github.com/sergev/floppy-emu/cmd"

func main() {
	cmd.Execute()
}
