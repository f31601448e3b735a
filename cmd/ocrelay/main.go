package main

import "github.com/edulab/ocrelay/cmd/ocrelay/cmd"

func main() {
	cmd.Execute()
}
