package main

import "github.com/nextlevelbuilder/sonic/cmd"

func main() {
	cmd.Execute()
}
