// hashpw печатает bcrypt-хеш пароля для METRICS_PASSWORD_HASH.
//
//	echo -n 'secret' | go run ./cmd/hashpw
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"orderbook/pkg/crypto"
)

func main() {
	cost := crypto.DefaultCost
	if len(os.Args) > 1 {
		c, err := strconv.Atoi(os.Args[1])
		if err != nil {
			log.Fatalf("invalid cost %q: %v", os.Args[1], err)
		}
		cost = c
	}

	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && password == "" {
		log.Fatalf("failed to read password from stdin: %v", err)
	}
	password = strings.TrimRight(password, "\r\n")

	hash, err := crypto.HashPassword(password, cost)
	if err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}
	fmt.Println(hash)
}
