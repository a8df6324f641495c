package main

import "github.com/iti/dltraffic/cmd/dlexp/commands"

func main() {
	commands.Execute()
}
