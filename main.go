package main

import "github.com/nextlevelbuilder/envoy/cmd"

func main() {
	cmd.Execute()
}
