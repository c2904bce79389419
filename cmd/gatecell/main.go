package main

import "github.com/gatecell/gatecell/cmd/gatecell/cmd"

func main() {
	cmd.Execute()
}
