package main

import "github.com/Gavincrz/yuanrong-functionsystem/executor/cmd"

func main() {
	cmd.Execute()
}
