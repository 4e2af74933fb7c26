// Command seed generates a deterministic set of funded dev accounts:
// a genesis file for cmd/node's --genesis flag and an accounts file
// holding the matching private keys for test clients.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
)

const defaultBalance = "1000000000000000000"

func main() {
	count := flag.Int("accounts", 16, "Number of dev accounts to generate")
	outDir := flag.String("out", "./storage", "Output directory")
	resource := flag.String("resource", "token", "Resource the balances belong to")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	balances := make(map[string]string, *count)
	accounts, err := os.Create(filepath.Join(*outDir, "accounts.txt"))
	if err != nil {
		log.Fatalf("Failed to create accounts file: %v", err)
	}
	defer accounts.Close()

	for i := 0; i < *count; i++ {
		// Keys are derived from a fixed seed so every run (and every test
		// client) agrees on the account set.
		seed := fmt.Sprintf("settlement-dev-account-%d", i)
		digest := sha256.Sum256([]byte(seed))
		key, err := crypto.ToECDSA(digest[:])
		if err != nil {
			log.Fatalf("Failed to derive key %d: %v", i, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		balances[addr.Hex()] = defaultBalance

		line := fmt.Sprintf("%s %s\n", addr.Hex(), hex.EncodeToString(crypto.FromECDSA(key)))
		if _, err := accounts.WriteString(line); err != nil {
			log.Fatalf("Failed to write accounts file: %v", err)
		}
	}

	genesis := map[string]interface{}{
		"resource": *resource,
		"balances": balances,
	}
	data, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode genesis: %v", err)
	}
	genesisPath := filepath.Join(*outDir, "genesis.json")
	if err := os.WriteFile(genesisPath, data, 0644); err != nil {
		log.Fatalf("Failed to write genesis file: %v", err)
	}

	fmt.Printf("Wrote %d accounts to %s\n", *count, genesisPath)
}
