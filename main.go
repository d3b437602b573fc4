package main

import "github.com/faceset/faceset/cmd"

func main() {
	cmd.Execute()
}
