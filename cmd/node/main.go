package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/settlement-experiment/offchain/config"
	"github.com/settlement-experiment/offchain/internal/node"
	"github.com/settlement-experiment/offchain/internal/source"
)

// genesisFile funds the built-in dev chain: address -> decimal balance.
type genesisFile struct {
	Resource string            `json:"resource"`
	Balances map[string]string `json:"balances"`
}

func main() {
	port := flag.Int("port", 8080, "HTTP port")
	chainURL := flag.String("chain", "", "Chain node URL (empty = built-in dev chain)")
	genesisPath := flag.String("genesis", "", "Genesis file for the dev chain")
	storageDir := flag.String("storage-dir", "", "Path for persistent queue storage")
	flag.Parse()

	// Load config first (primary source of truth)
	cfg, err := config.LoadDefault()
	if err != nil {
		log.Printf("No config.json found, using defaults")
		cfg = config.Defaults()
	}
	if *chainURL != "" {
		cfg.ChainURL = *chainURL
	}
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}
	if cfg.Network.DelayEnabled {
		log.Printf("Network delay simulation enabled: %d-%dms",
			cfg.Network.MinDelayMs, cfg.Network.MaxDelayMs)
	}

	// Allow environment variable overrides
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}
	if envChain := os.Getenv("CHAIN_URL"); envChain != "" {
		cfg.ChainURL = envChain
	}
	if envStorage := os.Getenv("QUEUE_STORE_PATH"); envStorage != "" {
		cfg.StorageDir = envStorage
	}

	var chain source.ChainClient
	if cfg.ChainURL == "" {
		dev := source.NewDevChain()
		if *genesisPath != "" {
			if err := fundDevChain(dev, cfg.Resource, *genesisPath); err != nil {
				log.Fatalf("Failed to load genesis: %v", err)
			}
		}
		log.Printf("Using built-in dev chain for resource %q", cfg.Resource)
		chain = dev
	} else {
		log.Printf("Using chain node at %s", cfg.ChainURL)
		chain = source.NewHTTPChain(cfg.ChainURL, cfg.Network)
	}

	service, err := node.NewService(cfg, chain)
	if err != nil {
		log.Fatalf("Failed to create node service: %v", err)
	}
	defer service.Close()

	log.Fatal(service.Start(*port))
}

func fundDevChain(dev *source.DevChain, resource, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var genesis genesisFile
	if err := json.Unmarshal(data, &genesis); err != nil {
		return err
	}
	if genesis.Resource != "" {
		resource = genesis.Resource
	}

	funded := 0
	for addr, amount := range genesis.Balances {
		balance, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			log.Printf("Skipping genesis entry %s: bad balance %q", addr, amount)
			continue
		}
		dev.SetBalance(resource, common.HexToAddress(addr), balance)
		funded++
	}
	log.Printf("Funded %d genesis accounts on resource %q", funded, resource)
	return nil
}
