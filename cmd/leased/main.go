package main

import (
	"log"

	"rentflow/services/leased"
)

func main() {
	if err := leased.Main(); err != nil {
		log.Fatalf("leased: %v", err)
	}
}
