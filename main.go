package main

import "github.com/oven-sh/macvm/cmd"

func main() {
	cmd.Execute()
}
