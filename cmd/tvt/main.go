package main

import "github.com/tensorvault/tensorvault/cmd/tvt/cmd"

func main() {
	cmd.Execute()
}
