package main

import "github.com/assiminee/facegate/cmd"

func main() {
	cmd.Execute()
}
