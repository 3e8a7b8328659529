package main

import "github.com/dhcgn/mailsink/cmd"

func main() {
	cmd.Execute()
}
