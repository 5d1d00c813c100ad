package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Provider  string           `json:"provider,omitempty"`
	Network   string           `json:"network_id,omitempty"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Partial   bool             `json:"partial"`
}

// ProviderStatus reports one signing provider probe.
type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type WalletAccounts struct {
	Provider  string          `json:"provider"`
	PublicKey string          `json:"public_key"`
	Connected bool            `json:"connected"`
	Accounts  []WalletAccount `json:"accounts"`
}

type WalletAccount struct {
	Address string   `json:"address"`
	Chains  []string `json:"chains"`
}

type GeneratedKey struct {
	PublicKey string `json:"public_key"`
	Account   string `json:"account"`
	Keystore  string `json:"keystore_path"`
}

type BalanceChain struct {
	ChainID string `json:"chain_id"`
	Balance string `json:"balance"`
	Found   bool   `json:"found"`
}

type Balance struct {
	Account   string         `json:"account"`
	NetworkID string         `json:"network_id"`
	Total     string         `json:"total"`
	Chains    []BalanceChain `json:"chains"`
}

type LocalResult struct {
	RequestID string `json:"request_id"`
	NetworkID string `json:"network_id"`
	ChainID   string `json:"chain_id"`
	Status    string `json:"status"`
	Gas       int64  `json:"gas"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}
