// Package nativebuild implements §4.D's build-mode adapters:
// local-native, external-command, remote-proxy, and manual
// pass-through, tried in that precedence order by internal/txbuilder.
package nativebuild

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/forgeos-wallet/execpipeline/internal/errs"
	"github.com/forgeos-wallet/execpipeline/internal/policy"
	"github.com/forgeos-wallet/execpipeline/internal/rpcclient"
)

// Build modes, in the precedence order §4.D names them.
const (
	ModeLocalNative = "local_native"
	ModeCommand     = "command"
	ModeProxy       = "proxy"
	ModeManual      = "manual"
)

var ErrNotConfigured = errs.New("tx_builder_not_configured")

// Output is a single spend target.
type Output struct {
	Address     string `json:"address"`
	AmountSompi int64  `json:"amountSompi"`
}

// Request is the native-builder invocation shape §4.D step 5
// names: "{entries: selected, changeAddress: from, outputs, priorityFee}".
type Request struct {
	Entries          []policy.UtxoEntry `json:"entries"`
	ChangeAddress    string              `json:"changeAddress"`
	Outputs          []Output            `json:"outputs"`
	PriorityFeeSompi int64               `json:"priorityFeeSompi"`
	NetworkId        string              `json:"networkId"`
}

// Result is a built, not-yet-broadcast transaction. Raw carries
// whatever fields the concrete mode produced; Txid is populated when
// the mode can compute it without broadcasting.
type Result struct {
	Mode string
	Txid string
	Raw  map[string]interface{}
}

// Builder drives one build mode. Build returning an error signals the
// caller (txbuilder) should fall back, per mode precedence or the
// selected-subset-then-full-set retry of §4.D step 5.
type Builder interface {
	Mode() string
	Build(ctx context.Context, req Request) (Result, error)
}

// Chain tries builders in order, returning the first success.
type Chain struct {
	Builders []Builder
}

func (c Chain) Build(ctx context.Context, req Request) (Result, error) {
	if len(c.Builders) == 0 {
		return Result{}, ErrNotConfigured
	}
	var lastErr error
	for _, b := range c.Builders {
		res, err := b.Build(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return Result{}, errs.Wrap(lastErr, "all configured build modes failed")
}

// localNative assembles an unsigned transaction envelope entirely
// in-process: no crypto signing (non-goal), just the data shaping a
// wallet's own native builder would otherwise perform.
type localNative struct{}

// NewLocalNative returns the in-process native builder.
func NewLocalNative() Builder { return localNative{} }

func (localNative) Mode() string { return ModeLocalNative }

func (localNative) Build(ctx context.Context, req Request) (Result, error) {
	if len(req.Entries) == 0 {
		return Result{}, errs.New("no inputs selected")
	}
	inputs := make([]map[string]interface{}, len(req.Entries))
	var totalIn int64
	for i, e := range req.Entries {
		inputs[i] = map[string]interface{}{
			"previousOutpoint": map[string]interface{}{
				"transactionId": e.Outpoint.Txid,
				"index":         e.Outpoint.Index,
			},
			"signatureScript": "",
			"sequence":        0,
		}
		totalIn += e.AmountSompi
	}

	outputs := make([]map[string]interface{}, 0, len(req.Outputs)+1)
	var totalOut int64
	for _, o := range req.Outputs {
		outputs = append(outputs, map[string]interface{}{
			"amount":         o.AmountSompi,
			"scriptPublicKey": o.Address,
		})
		totalOut += o.AmountSompi
	}
	change := totalIn - totalOut - req.PriorityFeeSompi
	if change > 0 {
		outputs = append(outputs, map[string]interface{}{
			"amount":          change,
			"scriptPublicKey": req.ChangeAddress,
		})
	}

	raw := map[string]interface{}{
		"version": 0,
		"inputs":  inputs,
		"outputs": outputs,
		"lockTime": 0,
		"subnetworkId": "0000000000000000000000000000000000000000",
	}
	return Result{Mode: ModeLocalNative, Raw: raw}, nil
}

// CommandConfig configures the external-command build mode.
type CommandConfig struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

type commandBuilder struct{ cfg CommandConfig }

// NewCommand returns a builder that shells out to an external
// transaction-building binary, feeding it the request as JSON on
// stdin and parsing JSON from stdout.
func NewCommand(cfg CommandConfig) Builder { return commandBuilder{cfg: cfg} }

func (commandBuilder) Mode() string { return ModeCommand }

func (c commandBuilder) Build(ctx context.Context, req Request) (Result, error) {
	if c.cfg.Path == "" {
		return Result{}, ErrNotConfigured
	}
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(cctx, c.cfg.Path, c.cfg.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return Result{}, errs.Wrap(err, fmt.Sprintf("external build command %s failed", c.cfg.Path))
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return Result{}, errs.Wrap(err, "external build command returned malformed json")
	}
	txid, _ := raw["txid"].(string)
	return Result{Mode: ModeCommand, Txid: txid, Raw: raw}, nil
}

// ProxyConfig configures the remote-proxy build mode.
type ProxyConfig struct {
	BaseURL string
	Token   string
	Path    string
}

type proxyBuilder struct {
	client *rpcclient.Client
	path   string
}

// NewProxy returns a builder that delegates to a remote build-tx
// service over HTTP, reusing internal/rpcclient's JSON-RPC client.
func NewProxy(cfg ProxyConfig) Builder {
	if cfg.BaseURL == "" {
		return proxyBuilder{}
	}
	return proxyBuilder{
		client: &rpcclient.Client{BaseURL: cfg.BaseURL, Token: cfg.Token, UserAgent: "execpipeline-tx-builder"},
		path:   cfg.Path,
	}
}

func (proxyBuilder) Mode() string { return ModeProxy }

func (p proxyBuilder) Build(ctx context.Context, req Request) (Result, error) {
	if p.client == nil {
		return Result{}, ErrNotConfigured
	}
	path := p.path
	if path == "" {
		path = "/build-tx"
	}
	var raw map[string]interface{}
	if err := p.client.Post(ctx, path, req, &raw); err != nil {
		return Result{}, errs.Wrap(err, "remote build proxy request failed")
	}
	txid, _ := raw["txid"].(string)
	return Result{Mode: ModeProxy, Txid: txid, Raw: raw}, nil
}

// manual is the pass-through mode: it performs no selection-aware
// building at all and simply echoes the request so the extension can
// finish assembly/signing itself.
type manual struct{ enabled bool }

// NewManual returns the manual pass-through builder. When enabled is
// false, Build always returns ErrNotConfigured so the chain falls
// through (manual is the mode-of-last-resort, opt-in only).
func NewManual(enabled bool) Builder { return manual{enabled: enabled} }

func (manual) Mode() string { return ModeManual }

func (m manual) Build(ctx context.Context, req Request) (Result, error) {
	if !m.enabled {
		return Result{}, ErrNotConfigured
	}
	raw := map[string]interface{}{
		"entries":          req.Entries,
		"changeAddress":    req.ChangeAddress,
		"outputs":          req.Outputs,
		"priorityFeeSompi": req.PriorityFeeSompi,
	}
	return Result{Mode: ModeManual, Raw: raw}, nil
}
