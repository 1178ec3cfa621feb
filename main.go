package main

import "servicecert/internal/app"

func main() {
	app.Main()
}
