package main

import (
	"log"

	"chemchat/cmd/internal/app"
)

func main() {
	if err := app.RunProjector(); err != nil {
		log.Fatal(err)
	}
}
