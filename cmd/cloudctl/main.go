package main

import (
	"github.com/joho/godotenv"

	"cloudctl/internal/app/cli"
)

func main() {
	_ = godotenv.Load()
	cli.Execute()
}
