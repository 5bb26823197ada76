package main

import "github.com/anns-lang/anns/cmd"

func main() {
	cmd.Execute()
}
