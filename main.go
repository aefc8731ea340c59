package main

import (
	"log"

	"github.com/gokvm/gokvm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
