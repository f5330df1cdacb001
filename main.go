package main

import "github.com/rand/gamemaster/internal/cmd"

func main() {
	cmd.Execute()
}
