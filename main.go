package main

import "github.com/masclabs/masc/cmd"

func main() {
	cmd.Execute()
}
