package main

import (
	"github.com/baaaht/pktrelay/cmd"
)

func main() {
	cmd.Execute()
}
