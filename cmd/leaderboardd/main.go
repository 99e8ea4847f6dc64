package main

import (
	"log"

	"leaderboard/services/leaderboardd"
)

func main() {
	if err := leaderboardd.Main(); err != nil {
		log.Fatalf("leaderboardd: %v", err)
	}
}
