package main

import "mlkmbp/mbp/cmd"

func main() {
	cmd.Run()
}
