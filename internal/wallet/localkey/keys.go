package localkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

const (
	EnvPrivateKey           = "PACTPLAY_PRIVATE_KEY"
	EnvPrivateKeyFile       = "PACTPLAY_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "PACTPLAY_KEYSTORE_PATH"
	EnvKeystorePassword     = "PACTPLAY_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "PACTPLAY_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultPrivateKeyRelativePath = "pactplay/key.hex"

	keystoreVersion = 1
)

type KeyConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// KeyConfigFromEnv reads key sources from the environment, keeping only the
// ones allowed by source. An auto source keeps all of them and LoadKey picks
// env, then file, then keystore.
func KeyConfigFromEnv(source string) (KeyConfig, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = KeySourceAuto
	}
	cfg := KeyConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile()
	}

	switch source {
	case KeySourceAuto:
	case KeySourceEnv:
		cfg = KeyConfig{PrivateKeyHex: cfg.PrivateKeyHex}
	case KeySourceFile:
		cfg = KeyConfig{PrivateKeyFile: cfg.PrivateKeyFile}
	case KeySourceKeystore:
		cfg.PrivateKeyHex = ""
		cfg.PrivateKeyFile = ""
	default:
		return KeyConfig{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
	return cfg, nil
}

// Configured reports whether any key source is set and, for file based
// sources, readable. It never decrypts.
func (c KeyConfig) Configured() bool {
	if strings.TrimSpace(c.PrivateKeyHex) != "" {
		return true
	}
	if readable(c.PrivateKeyFile) {
		return true
	}
	return readable(c.KeystorePath)
}

func readable(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadKey resolves the configured source into an ed25519 private key.
func LoadKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKeyHex) != "" {
		return parseHexKey(cfg.PrivateKeyHex)
	}
	if strings.TrimSpace(cfg.PrivateKeyFile) != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	}
	if strings.TrimSpace(cfg.KeystorePath) != "" {
		password := cfg.KeystorePassword
		if strings.TrimSpace(password) == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
			buf, err := os.ReadFile(cfg.KeystorePasswordFile)
			if err != nil {
				return nil, fmt.Errorf("read keystore password file: %w", err)
			}
			password = strings.TrimSpace(string(buf))
		}
		if strings.TrimSpace(password) == "" {
			return nil, fmt.Errorf("keystore password is required")
		}
		buf, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore file: %w", err)
		}
		return DecryptKeystore(buf, password)
	}
	return nil, fmt.Errorf("missing signing key: set %s or %s or %s", EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
}

// parseHexKey accepts a 32 byte seed or a 64 byte seed||public key.
func parseHexKey(raw string) (ed25519.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch len(buf) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(buf), nil
	case ed25519.PrivateKeySize:
		key := ed25519.NewKeyFromSeed(buf[:ed25519.SeedSize])
		if hex.EncodeToString(key.Public().(ed25519.PublicKey)) != hex.EncodeToString(buf[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("parse private key: public half does not match seed")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("parse private key: expected %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(buf))
	}
}

func discoverDefaultPrivateKeyFile() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultPrivateKeyRelativePath)
	if !readable(path) {
		return ""
	}
	return path
}

// PublicKeyHex is the lowercase hex public key Pact uses as the signer id.
func PublicKeyHex(key ed25519.PrivateKey) string {
	return hex.EncodeToString(key.Public().(ed25519.PublicKey))
}

type keystoreFile struct {
	Version   int                 `json:"version"`
	PublicKey string              `json:"publicKey"`
	Crypto    keystore.CryptoJSON `json:"crypto"`
}

// ScryptParams selects the key derivation cost of an encrypted keystore.
type ScryptParams struct {
	N int
	P int
}

var (
	StandardScrypt = ScryptParams{N: keystore.StandardScryptN, P: keystore.StandardScryptP}
	LightScrypt    = ScryptParams{N: keystore.LightScryptN, P: keystore.LightScryptP}
)

// EncryptKeystore seals the key's seed in a version 3 (scrypt + aes-128-ctr)
// crypto envelope.
func EncryptKeystore(key ed25519.PrivateKey, password string, params ScryptParams) ([]byte, error) {
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("keystore password is required")
	}
	cj, err := keystore.EncryptDataV3(key.Seed(), []byte(password), params.N, params.P)
	if err != nil {
		return nil, fmt.Errorf("encrypt keystore: %w", err)
	}
	return json.MarshalIndent(keystoreFile{
		Version:   keystoreVersion,
		PublicKey: PublicKeyHex(key),
		Crypto:    cj,
	}, "", "  ")
}

func DecryptKeystore(buf []byte, password string) (ed25519.PrivateKey, error) {
	var file keystoreFile
	if err := json.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	if file.Version != keystoreVersion {
		return nil, fmt.Errorf("decode keystore: unsupported version %d", file.Version)
	}
	seed, err := keystore.DecryptDataV3(file.Crypto, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("decrypt keystore: expected %d byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	if file.PublicKey != "" && !strings.EqualFold(file.PublicKey, PublicKeyHex(key)) {
		return nil, fmt.Errorf("decrypt keystore: public key mismatch")
	}
	return key, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
