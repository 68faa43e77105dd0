package main

import "github.com/whale-sh/whale/cmd"

func main() {
	cmd.Execute()
}
