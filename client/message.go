package client

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/nacl/box"
)

// MaxMessageLength bounds a donor message in bytes.
const MaxMessageLength = 4096

// Donor message failures.
var (
	ErrMessageMismatch   = errors.New("sealed message does not match the donation payload")
	ErrMessageUnreadable = errors.New("sealed message cannot be opened with this key")
)

// MessageKey is the X25519 key pair donor messages are sealed to. Donors only need the
// public half. The private half stays with the recipient and never touches the ledger.
type MessageKey struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateMessageKey creates a new message key pair.
func GenerateMessageKey() (MessageKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return MessageKey{}, fmt.Errorf("failed to generate message key: %w", err)
	}
	return MessageKey{Public: *pub, Private: *priv}, nil
}

// PublicHex returns the public half as hex, the form donors pass to --recipient.
func (k MessageKey) PublicHex() string {
	return hex.EncodeToString(k.Public[:])
}

type messageKeyFile struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

// WriteMessageKeyFile stores key as JSON with owner-only permissions. It never
// overwrites an existing file.
func WriteMessageKeyFile(path string, key MessageKey) error {
	raw, err := json.MarshalIndent(messageKeyFile{
		Public:  key.PublicHex(),
		Private: hex.EncodeToString(key.Private[:]),
	}, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create message key file: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to write message key file: %w", err)
	}
	return f.Close()
}

// LoadMessageKeyFile reads a key written by WriteMessageKeyFile.
func LoadMessageKeyFile(path string) (MessageKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return MessageKey{}, fmt.Errorf("failed to read message key file: %w", err)
	}
	var file messageKeyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return MessageKey{}, fmt.Errorf("failed to parse message key file: %w", err)
	}

	var key MessageKey
	pub, err := ParseMessagePublicKey(file.Public)
	if err != nil {
		return MessageKey{}, err
	}
	key.Public = *pub
	priv, err := hex.DecodeString(file.Private)
	if err != nil || len(priv) != len(key.Private) {
		return MessageKey{}, fmt.Errorf("message key file has a malformed private key")
	}
	copy(key.Private[:], priv)
	return key, nil
}

// ParseMessagePublicKey parses the hex public half of a message key.
func ParseMessagePublicKey(s string) (*[32]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("message public key must be 32 bytes of hex")
	}
	var pub [32]byte
	copy(pub[:], raw)
	return &pub, nil
}

// SealedMessage is a donor message encrypted to a recipient. Only Payload is recorded
// with the donation. Ciphertext is handed to the recipient separately.
type SealedMessage struct {
	Payload    string
	Ciphertext []byte
}

// SealMessage encrypts text to recipient with an anonymous box and commits to the
// ciphertext with its SHA-256 digest, the 32-byte donation payload.
func SealMessage(text string, recipient *[32]byte) (SealedMessage, error) {
	switch {
	case text == "":
		return SealedMessage{}, fmt.Errorf("message is empty")
	case len(text) > MaxMessageLength:
		return SealedMessage{}, fmt.Errorf("message is %d bytes, maximum is %d", len(text), MaxMessageLength)
	case !utf8.ValidString(text):
		return SealedMessage{}, fmt.Errorf("message is not valid UTF-8")
	}

	ciphertext, err := box.SealAnonymous(nil, []byte(text), recipient, rand.Reader)
	if err != nil {
		return SealedMessage{}, fmt.Errorf("failed to seal message: %w", err)
	}
	return SealedMessage{Payload: MessageDigest(ciphertext), Ciphertext: ciphertext}, nil
}

// MessageDigest returns the donation payload committing to ciphertext.
func MessageDigest(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return "0x" + hex.EncodeToString(sum[:])
}

// OpenMessage checks that ciphertext is the one payload commits to and decrypts it
// with key.
func OpenMessage(payload string, ciphertext []byte, key MessageKey) (string, error) {
	want := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(payload), "0x"))
	if strings.TrimPrefix(MessageDigest(ciphertext), "0x") != want {
		return "", ErrMessageMismatch
	}
	text, ok := box.OpenAnonymous(nil, ciphertext, &key.Public, &key.Private)
	if !ok {
		return "", ErrMessageUnreadable
	}
	return string(text), nil
}
