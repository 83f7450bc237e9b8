package main

import (
	"log"

	"questrewards/services/claimd"
)

func main() {
	if err := claimd.Main(); err != nil {
		log.Fatalf("claimd: %v", err)
	}
}
