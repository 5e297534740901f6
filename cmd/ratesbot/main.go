package main

import "github.com/gil9red/currency-rates-telegram-bot/internal/cli"

func main() {
	cli.Execute()
}
