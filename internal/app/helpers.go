package app

import (
	"log"
	"strconv"
	"strings"
)

// NormalizeLocalAddr keeps listeners on loopback unless a host is given.
func NormalizeLocalAddr(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	return a
}

func atoiDefault(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

func logBanner(cfgPath, userID, apiURL, socketURL string) {
	log.Println("────────────────────────────────────────")
	log.Println("roomchat client")
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" User        : %s", userID)
	log.Printf(" API         : %s", apiURL)
	log.Printf(" Socket      : %s", socketURL)
	log.Println("────────────────────────────────────────")
}
