package main

import (
	"github.com/shizukutanaka/seisan/cmd/seisan/commands"
)

func main() {
	commands.Execute()
}
