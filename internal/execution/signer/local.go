package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "INTENTRAIL_PRIVATE_KEY"
	EnvPrivateKeyFile       = "INTENTRAIL_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "INTENTRAIL_KEYSTORE_PATH"
	EnvKeystorePassword     = "INTENTRAIL_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "INTENTRAIL_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultPrivateKeyRelativePath = "intentrail/key.hex"
)

// LocalSigner holds an in-process secp256k1 key for the rebalance wallet.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// ConfigFromEnv reads key material locations from the environment and keeps
// only the ones allowed by source.
func ConfigFromEnv(source string, lookup func(string) string) (LocalSignerConfig, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(lookup(k)) }
	cfg := LocalSignerConfig{
		PrivateKeyHex:        get(EnvPrivateKey),
		PrivateKeyFile:       get(EnvPrivateKeyFile),
		KeystorePath:         get(EnvKeystorePath),
		KeystorePassword:     get(EnvKeystorePassword),
		KeystorePasswordFile: get(EnvKeystorePasswordFile),
	}

	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
		if cfg.PrivateKeyFile == "" {
			cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile(lookup)
		}
	case KeySourceEnv:
		cfg = LocalSignerConfig{PrivateKeyHex: cfg.PrivateKeyHex}
	case KeySourceFile:
		if cfg.PrivateKeyFile == "" {
			cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile(lookup)
		}
		cfg = LocalSignerConfig{PrivateKeyFile: cfg.PrivateKeyFile}
	case KeySourceKeystore:
		cfg.PrivateKeyHex = ""
		cfg.PrivateKeyFile = ""
	default:
		return LocalSignerConfig{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
	return cfg, nil
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	cfg, err := ConfigFromEnv(source, os.Getenv)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(cfg)
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Key precedence: inline hex, then key file, then keystore.
func loadPrivateKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		return parseHexKey(cfg.PrivateKeyHex)
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	case strings.TrimSpace(cfg.KeystorePath) != "":
		return loadKeystore(cfg)
	}
	return nil, fmt.Errorf("missing signing key: set %s or %s or %s", EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
}

func loadKeystore(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
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
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func discoverDefaultPrivateKeyFile(lookup func(string) string) string {
	base := strings.TrimSpace(lookup("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultPrivateKeyRelativePath)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
