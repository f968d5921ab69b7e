package main

import "github.com/meshroute/meshroute/cmd"

func main() {
	cmd.Execute()
}
