package main

import "github.com/andresmejia3/scrubber/cmd"

func main() {
	cmd.Execute()
}
