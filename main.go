package main

import (
	"syncstream/cmd"
)

func main() {
	cmd.Execute()
}
