package main

import "github.com/jmehdipour/im-gateway/cmd"

func main() {
	cmd.Execute()
}
