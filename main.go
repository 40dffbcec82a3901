package main

import "github.com/appbridge/appbridge-go/cmd"

func main() {
	cmd.Execute()
}
