package main

import "github.com/ValentinKolb/dStripe/cmd"

func main() {
	cmd.Execute()
}
