package main

import "github.com/bigbluebutton/bbb-stream-player/internal/app"

func main() {
	app.Main()
}
