// The main package for the board-archiver executable.
package main

import (
	"github.com/JakeFAU/board-archiver/cmd"
)

func main() {
	cmd.Execute()
}
