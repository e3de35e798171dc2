package main

import "github.com/nextlevelbuilder/haven/cmd"

func main() {
	cmd.Execute()
}
