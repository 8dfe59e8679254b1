package main

import (
	"errors"
	"io/fs"
	"log"

	"github.com/joho/godotenv"

	"fidelity/cmd/internal/app"
)

func main() {
	// A local .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
