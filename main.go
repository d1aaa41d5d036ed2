package main

import "github.com/peiwan-ops/pwatch/cmd"

func main() {
	cmd.Execute()
}
