package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
)

// Defaults pre-fills requests built from the shell.
type Defaults struct {
	NetworkID string
	ChainID   string
	Sender    string
	GasLimit  int64
	GasPrice  decimal.Decimal
	TTL       int64
}

type wireDefaults struct {
	NetworkID string      `json:"networkId"`
	ChainID   string      `json:"chainId"`
	Sender    string      `json:"sender"`
	GasLimit  int64       `json:"gasLimit"`
	GasPrice  json.Number `json:"gasPrice"`
	TTL       int64       `json:"ttl"`
}

func DefaultDefaults() Defaults {
	return Defaults{
		NetworkID: "testnet04",
		ChainID:   "1",
		Sender:    "",
		GasLimit:  command.DefaultGasLimit,
		GasPrice:  command.DefaultGasPrice,
		TTL:       command.DefaultTTL,
	}
}

func (d Defaults) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDefaults{
		NetworkID: d.NetworkID,
		ChainID:   d.ChainID,
		Sender:    d.Sender,
		GasLimit:  d.GasLimit,
		GasPrice:  json.Number(d.GasPrice.String()),
		TTL:       d.TTL,
	})
}

// DecodeDefaults parses a stored value. Keys that are absent or out of range
// keep their default.
func DecodeDefaults(raw []byte) (Defaults, error) {
	base := DefaultDefaults()
	w := wireDefaults{
		NetworkID: base.NetworkID,
		ChainID:   base.ChainID,
		GasLimit:  base.GasLimit,
		GasPrice:  json.Number(base.GasPrice.String()),
		TTL:       base.TTL,
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Defaults{}, fmt.Errorf("decode defaults: %w", err)
	}
	out := Defaults{
		NetworkID: strings.TrimSpace(w.NetworkID),
		ChainID:   strings.TrimSpace(w.ChainID),
		Sender:    strings.TrimSpace(w.Sender),
		GasLimit:  w.GasLimit,
		GasPrice:  base.GasPrice,
		TTL:       w.TTL,
	}
	if price, err := decimal.NewFromString(w.GasPrice.String()); err == nil && price.Sign() > 0 {
		out.GasPrice = price
	}
	if out.NetworkID == "" {
		out.NetworkID = base.NetworkID
	}
	if out.ChainID == "" {
		out.ChainID = base.ChainID
	}
	if out.GasLimit <= 0 {
		out.GasLimit = base.GasLimit
	}
	if out.TTL <= 0 {
		out.TTL = base.TTL
	}
	return out, nil
}

func (d Defaults) Validate() error {
	switch {
	case strings.TrimSpace(d.NetworkID) == "":
		return clierr.New(clierr.CodeUsage, "default network id is required")
	case strings.TrimSpace(d.ChainID) == "":
		return clierr.New(clierr.CodeUsage, "default chain id is required")
	case d.GasLimit <= 0:
		return clierr.New(clierr.CodeUsage, "default gas limit must be positive")
	case d.GasPrice.Sign() <= 0:
		return clierr.New(clierr.CodeUsage, "default gas price must be positive")
	case d.TTL <= 0:
		return clierr.New(clierr.CodeUsage, "default ttl must be positive")
	}
	return nil
}

// Overrides converts d into builder overrides.
func (d Defaults) Overrides() *command.Overrides {
	price, limit, ttl := d.GasPrice, d.GasLimit, d.TTL
	return &command.Overrides{GasPrice: &price, GasLimit: &limit, TTL: &ttl}
}

// Defaults loads the stored defaults. A missing or corrupt value yields
// DefaultDefaults.
func (s *Store) Defaults() (Defaults, error) {
	raw, ok, err := s.Get(KeyDefaults)
	if err != nil {
		return Defaults{}, err
	}
	if !ok {
		return DefaultDefaults(), nil
	}
	d, err := DecodeDefaults(raw)
	if err != nil {
		s.lggr.Warnw("stored defaults are corrupt, using built-in defaults", "err", err)
		return DefaultDefaults(), nil
	}
	return d, nil
}

func (s *Store) SaveDefaults(d Defaults) error {
	if err := d.Validate(); err != nil {
		return err
	}
	buf, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	return s.Set(KeyDefaults, buf)
}
