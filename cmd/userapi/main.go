package main

import "github.com/dreamup-ai/user-service/cmd/userapi/cmd"

func main() {
	cmd.Execute()
}
