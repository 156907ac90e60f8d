package model

import "time"

const EnvelopeVersion = "v1"

// Envelope wraps every CLI result and every HTTP API response.
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
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	// Source names where rates came from for monitor results: live or simulated.
	Source string `json:"source,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// ChainSummary is the listing form of a registry chain.
type ChainSummary struct {
	Label           string   `json:"label"`
	Name            string   `json:"name"`
	ChainID         int64    `json:"chain_id"`
	SuperchainToken string   `json:"superchain_token"`
	Protocols       []string `json:"protocols"`
	RPCURL          string   `json:"rpc_url,omitempty"`
}

type TokenNormalization struct {
	Input  string `json:"input"`
	Symbol string `json:"symbol"`
	Known  bool   `json:"known"`
}

type RateRow struct {
	Chain     string  `json:"chain"`
	Protocol  string  `json:"protocol"`
	APY       float64 `json:"apy"`
	APYText   string  `json:"apy_text"`
	Simulated bool    `json:"simulated"`
}

type MonitorPoll struct {
	Source        string    `json:"source"`
	Threshold     float64   `json:"threshold"`
	Rates         []RateRow `json:"rates"`
	Opportunities any       `json:"opportunities"`
}

type RebalanceStatus struct {
	Executing bool   `json:"executing"`
	Guard     string `json:"guard"`
	DryRun    bool   `json:"dry_run"`
	Last      any    `json:"last,omitempty"`
}
