package solana

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// GenerateKey creates a new ed25519 wallet key.
func GenerateKey() (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// LoadKey reads a private key from a solana-keygen JSON file, or parses it as base58
// when the value is not a readable file.
func LoadKey(pathOrBase58 string) (solana.PrivateKey, error) {
	value := strings.TrimSpace(pathOrBase58)
	if value == "" {
		return nil, fmt.Errorf("no key provided")
	}
	if _, err := os.Stat(value); err == nil {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", value, err)
		}
		return key, nil
	}
	key, err := solana.PrivateKeyFromBase58(value)
	if err != nil {
		return nil, fmt.Errorf("key is neither a keygen file nor base58: %w", err)
	}
	return key, nil
}

// WriteKeyFile stores key in the solana-keygen JSON array format with owner-only
// permissions. Existing files are never overwritten.
func WriteKeyFile(path string, key solana.PrivateKey) error {
	// []byte would marshal to base64; keygen files hold a JSON array of numbers.
	nums := make([]int, len(key))
	for i, b := range key {
		nums[i] = int(b)
	}
	data, err := json.Marshal(nums)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}
