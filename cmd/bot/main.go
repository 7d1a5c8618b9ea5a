package main

import (
	"github.com/aprudkin/whisper-bot/cmd/bot/cmd"
)

func main() {
	cmd.Execute()
}
