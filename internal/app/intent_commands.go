package app

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/intentrail/internal/amount"
	"github.com/ggonzalez94/intentrail/internal/bridge"
	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/llm"
	"github.com/ggonzalez94/intentrail/internal/model"
	"github.com/ggonzalez94/intentrail/internal/parser"
	"github.com/ggonzalez94/intentrail/internal/pipeline"
	"github.com/ggonzalez94/intentrail/internal/registry"
	"github.com/ggonzalez94/intentrail/internal/swap"
)

func (s *runtimeState) newChainsCommand() *cobra.Command {
	root := &cobra.Command{Use: "chains", Short: "Rebalance-capable chains"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List chains with their pools and SuperchainToken",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := s.registry()
			if err != nil {
				return err
			}
			chains := reg.List()
			items := make([]model.ChainSummary, 0, len(chains))
			for _, c := range chains {
				items = append(items, chainSummary(c))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil)
		},
	}
	show := &cobra.Command{
		Use:   "show <label>",
		Short: "Show the full configuration of one chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := s.registry()
			if err != nil {
				return err
			}
			chain, err := reg.Resolve(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), chain, nil)
		},
	}
	root.AddCommand(list)
	root.AddCommand(show)
	return root
}

func chainSummary(c registry.ChainConfig) model.ChainSummary {
	protocols := make([]string, 0, 2)
	for _, p := range c.Protocols() {
		protocols = append(protocols, string(p))
	}
	return model.ChainSummary{
		Label:           c.Label,
		Name:            c.Name,
		ChainID:         c.ChainID,
		SuperchainToken: c.SuperchainToken,
		Protocols:       protocols,
		RPCURL:          c.RPCURL,
	}
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token symbol table"}
	normalize := &cobra.Command{
		Use:   "normalize <symbol> [symbol...]",
		Short: "Map token aliases onto canonical symbols",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]model.TokenNormalization, 0, len(args))
			for _, raw := range args {
				items = append(items, model.TokenNormalization{
					Input:  raw,
					Symbol: intent.NormalizeTokenSymbol(raw),
					Known:  intent.KnownToken(raw),
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil)
		},
	}

	var resolveChain string
	resolve := &cobra.Command{
		Use:   "resolve <symbol>",
		Short: "Resolve a token symbol to its address on a chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, ok := intent.ResolveTokenAddress(args[0], resolveChain)
			if !ok {
				return clierr.New(clierr.CodeUnsupported, "token "+intent.NormalizeTokenSymbol(args[0])+" is not available on "+chainOrDefault(resolveChain))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), token, nil)
		},
	}
	resolve.Flags().StringVar(&resolveChain, "chain", intent.DefaultChain, "Chain label")

	var listChain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the token table of a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := intent.Tokens(listChain)
			if len(tokens) == 0 {
				return clierr.New(clierr.CodeUnsupported, "no token table for "+chainOrDefault(listChain))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), tokens, nil)
		},
	}
	list.Flags().StringVar(&listChain, "chain", intent.DefaultChain, "Chain label")

	root.AddCommand(normalize)
	root.AddCommand(resolve)
	root.AddCommand(list)
	return root
}

func chainOrDefault(chain string) string {
	if c := strings.ToLower(strings.TrimSpace(chain)); c != "" {
		return c
	}
	return intent.DefaultChain
}

func (s *runtimeState) newIntentCommand() *cobra.Command {
	root := &cobra.Command{Use: "intent", Short: "Natural-language intents"}
	parse := &cobra.Command{
		Use:   "parse <text>",
		Short: "Parse free text into a typed intent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(cmd, 0)
			defer cancel()
			p, _, err := s.newPipeline(0, "")
			if err != nil {
				return err
			}
			in := p.Parse(ctx, strings.Join(args, " "))
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), in, nil)
		},
	}

	var runUser, runChain string
	run := &cobra.Command{
		Use:   "run <text>",
		Short: "Parse free text and resolve it into a quote or call data",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(cmd, 0)
			defer cancel()
			p, _, err := s.newPipeline(0, runChain)
			if err != nil {
				return err
			}
			user := runUser
			if user == "" {
				user = s.settings.UserAddress
			}
			outcome := p.Run(ctx, strings.Join(args, " "), user)
			var warnings []string
			if !outcome.Resolved && outcome.Error != "" {
				warnings = append(warnings, outcome.Error)
			}
			s.lastWarnings = warnings
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), outcome, warnings)
		},
	}
	run.Flags().StringVar(&runUser, "user", "", "Wallet address bridge and transfer calls are built for")
	run.Flags().StringVar(&runChain, "chain", intent.DefaultChain, "Chain transfer intents resolve on")

	root.AddCommand(parse)
	root.AddCommand(run)
	return root
}

func (s *runtimeState) newSwapCommand() *cobra.Command {
	root := &cobra.Command{Use: "swap", Short: "Swap quotes"}
	var req intent.Swap
	quote := &cobra.Command{
		Use:   "quote",
		Short: "Price a swap through the aggregator or the synthetic NUSD pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !amount.IsPositiveDecimal(req.AmountIn) {
				return clierr.New(clierr.CodeUsage, "--amount must be a positive decimal")
			}
			if req.SlippageBps < 0 || req.SlippageBps > 10_000 {
				return clierr.New(clierr.CodeUsage, "--slippage-bps must be between 0 and 10000")
			}
			if check := intent.ValidateIntentTokens(req); !check.Valid {
				return clierr.New(clierr.CodeUnsupported, check.Error)
			}
			if intent.NormalizeTokenSymbol(req.TokenOut) != intent.NUSDSymbol && s.settings.SwapAPIKey == "" {
				return clierr.New(clierr.CodeAuth, "missing swap aggregator API key (set INTENTRAIL_SWAP_API_KEY)")
			}

			ctx, cancel := s.commandContext(cmd, 0)
			defer cancel()
			quotes, err := s.swapResolver()
			if err != nil {
				return err
			}
			res := quotes.GetQuote(ctx, req)
			if !res.Success {
				return clierr.New(clierr.CodeUnavailable, res.Error)
			}
			data := map[string]any{
				"quote":   res.Quote,
				"preview": swap.FormatQuotePreview(*res.Quote, req),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
	quote.Flags().StringVar(&req.TokenIn, "token-in", "", "Token to sell")
	quote.Flags().StringVar(&req.TokenOut, "token-out", "", "Token to buy")
	quote.Flags().StringVar(&req.AmountIn, "amount", "", "Decimal amount of --token-in")
	quote.Flags().IntVar(&req.SlippageBps, "slippage-bps", 50, "Slippage tolerance in basis points")
	_ = quote.MarkFlagRequired("token-in")
	_ = quote.MarkFlagRequired("token-out")
	_ = quote.MarkFlagRequired("amount")
	root.AddCommand(quote)
	return root
}

func (s *runtimeState) newBridgeCommand() *cobra.Command {
	root := &cobra.Command{Use: "bridge", Short: "SuperchainToken bridge call data"}

	var req intent.Bridge
	var user string
	calldata := &cobra.Command{
		Use:   "calldata",
		Short: "Build the burn and cross-domain message call data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.FromChain == "" {
				req.FromChain = intent.DefaultChain
			}
			if !bridge.IsBridgeSupported(req.FromChain, req.ToChain) {
				return clierr.New(clierr.CodeUnsupported, "bridge route "+req.FromChain+" -> "+req.ToChain+" is not supported")
			}
			if user == "" {
				user = s.settings.UserAddress
			}
			if user == "" {
				return clierr.New(clierr.CodeUsage, "--user is required")
			}
			source, dest, err := bridge.ResolveTokens(req)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnsupported, "resolve bridge token", err)
			}
			res := bridge.BuildBridgeCalldata(req, user, source, dest)
			if !res.Success {
				return clierr.New(clierr.CodeUsage, res.Error)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil)
		},
	}
	calldata.Flags().StringVar(&req.Token, "token", "SUPERETH", "Token to bridge")
	calldata.Flags().StringVar(&req.Amount, "amount", "", "Decimal amount")
	calldata.Flags().StringVar(&req.FromChain, "from", intent.DefaultChain, "Source chain")
	calldata.Flags().StringVar(&req.ToChain, "to", "", "Destination chain")
	calldata.Flags().StringVar(&user, "user", "", "Sender and recipient address")
	_ = calldata.MarkFlagRequired("amount")
	_ = calldata.MarkFlagRequired("to")

	var from, to string
	supported := &cobra.Command{
		Use:   "supported",
		Short: "Report whether a chain pair can be bridged",
		RunE: func(cmd *cobra.Command, args []string) error {
			data := map[string]any{
				"from":      from,
				"to":        to,
				"supported": bridge.IsBridgeSupported(from, to),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
	supported.Flags().StringVar(&from, "from", intent.DefaultChain, "Source chain")
	supported.Flags().StringVar(&to, "to", "", "Destination chain")
	_ = supported.MarkFlagRequired("to")

	root.AddCommand(calldata)
	root.AddCommand(supported)
	return root
}

func (s *runtimeState) swapResolver() (*swap.Resolver, error) {
	opts := []swap.Option{swap.WithLogger(s.log())}
	if s.settings.CacheEnabled {
		store, err := s.openCache()
		if err != nil {
			return nil, err
		}
		opts = append(opts, swap.WithCache(store))
	}
	return swap.New(s.httpClient(), swap.Config{
		APIKey:  s.settings.SwapAPIKey,
		BaseURL: s.settings.SwapBaseURL,
		Chain:   s.settings.SwapChain,
	}, opts...), nil
}

// newPipeline wires the LLM parser to the resolvers. memo > 0 keeps that
// many parses for repeated requests.
func (s *runtimeState) newPipeline(memo int, transferChain string) (*pipeline.Pipeline, *swap.Resolver, error) {
	quotes, err := s.swapResolver()
	if err != nil {
		return nil, nil, err
	}
	completer := llm.New(llm.Config{
		APIKey:  s.settings.LLMAPIKey,
		BaseURL: s.settings.LLMBaseURL,
		Model:   s.settings.LLMModel,
	}, s.httpClient())
	parserOpts := []parser.Option{parser.WithLogger(s.log())}
	if memo > 0 {
		parserOpts = append(parserOpts, parser.WithMemo(memo))
	}
	p := pipeline.New(
		parser.New(completer, parserOpts...),
		quotes,
		pipeline.WithLogger(s.log()),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithTransferChain(transferChain),
	)
	return p, quotes, nil
}
