package main

import "github.com/pelangilabs/concierge/cmd"

func main() {
	cmd.Execute()
}
