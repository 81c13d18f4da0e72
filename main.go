package main

import "github.com/apsgrid/otaserver/cmd"

func main() {
	cmd.Execute()
}
