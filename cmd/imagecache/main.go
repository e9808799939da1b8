package main

import (
	"github.com/cyverse/imagecache/cmd/imagecache/commands"
)

func main() {
	commands.Execute()
}
