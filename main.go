package main

import (
	"github.com/CadiZhang/space-shooter/cmd"
	"github.com/CadiZhang/space-shooter/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
