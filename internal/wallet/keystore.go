package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"

	"github.com/coinvault/custodian/internal/chain"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32        // Salt length
)

// Keystore is the on-disk form of the vault mnemonic: Argon2id for key
// derivation, AES-256-GCM for encryption.
type Keystore struct {
	Version     int           `json:"version"`
	Network     chain.Network `json:"network"`
	Address     string        `json:"address"`
	Ciphertext  []byte        `json:"ciphertext"`
	Salt        []byte        `json:"salt"`
	Nonce       []byte        `json:"nonce"`
	Time        uint32        `json:"time"`
	Memory      uint32        `json:"memory"`
	Parallelism uint8         `json:"parallelism"`
}

// ErrWrongPassword is returned when a keystore fails to decrypt.
var ErrWrongPassword = errors.New("failed to decrypt keystore (wrong password?)")

// CreateKeystore generates a fresh mnemonic, writes it encrypted to path and
// returns the mnemonic so it can be backed up once. An existing file is
// never overwritten.
func CreateKeystore(path, password string, params *chain.Params) (string, *Vault, error) {
	if _, err := os.Stat(path); err == nil {
		return "", nil, fmt.Errorf("keystore %s already exists", path)
	}

	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return "", nil, err
	}

	vault, err := NewVaultFromMnemonic(mnemonic, "", params, "")
	if err != nil {
		return "", nil, err
	}

	ks, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return "", nil, err
	}
	ks.Network = params.Network
	ks.Address = vault.Address()

	if err := SaveKeystore(ks, path); err != nil {
		return "", nil, err
	}

	return mnemonic, vault, nil
}

// OpenKeystore decrypts the keystore at path and returns the vault.
func OpenKeystore(path, password string, params *chain.Params, expectedAddress string) (*Vault, error) {
	ks, err := LoadKeystore(path)
	if err != nil {
		return nil, err
	}
	if ks.Network != "" && ks.Network != params.Network {
		return nil, fmt.Errorf("keystore is for %s, not %s", ks.Network, params.Network)
	}
	if expectedAddress == "" {
		expectedAddress = ks.Address
	}

	mnemonic, err := DecryptMnemonic(ks, password)
	if err != nil {
		return nil, err
	}

	return NewVaultFromMnemonic(mnemonic, "", params, expectedAddress)
}

// EncryptMnemonic encrypts a mnemonic using Argon2id + AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*Keystore, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer SecureClear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Keystore{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptMnemonic decrypts a keystore.
func DecryptMnemonic(ks *Keystore, password string) (string, error) {
	// Use stored parameters or defaults
	time := ks.Time
	if time == 0 {
		time = argon2Time
	}
	memory := ks.Memory
	if memory == 0 {
		memory = argon2Memory
	}
	parallelism := ks.Parallelism
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	key := argon2.IDKey([]byte(password), ks.Salt, time, memory, parallelism, argon2KeyLen)
	defer SecureClear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, ks.Nonce, ks.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer SecureClear(plaintext)

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveKeystore writes a keystore file readable only by the owner.
func SaveKeystore(ks *Keystore, path string) error {
	if err := ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(ks)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// LoadKeystore reads a keystore file.
func LoadKeystore(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}

	return &ks, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword validates password strength.
// Requires at least 8 characters and 3 of 4 character types.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if ok {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}

	return nil
}

// ValidateFilePath validates a file path for safety.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Check for path traversal
	clean := filepath.Clean(path)
	if clean != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}

	if !utf8.ValidString(path) {
		return fmt.Errorf("path contains invalid UTF-8")
	}

	return nil
}
