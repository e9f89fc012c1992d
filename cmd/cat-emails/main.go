package main

import "cat-emails/cmd/cat-emails/cmd"

func main() {
	cmd.Execute()
}
