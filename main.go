package main

import "github.com/andresmejia3/ocrserve/cmd"

func main() {
	cmd.Execute()
}
