package parser

// systemPrompt pins the model to the intent schema. Replies are still treated
// as untrusted text.
const systemPrompt = `You convert a user's request about crypto assets into exactly one JSON object.

Supported shapes:
{"type":"swap","tokenIn":"<symbol>","tokenOut":"<symbol>","amountIn":"<decimal>","slippageBps":<integer, default 50>,"confidence":<0..1>}
{"type":"transfer","token":"<symbol>","amount":"<decimal>","to":"<0x address or ENS name>","confidence":<0..1>}
{"type":"bridge","token":"<symbol>","amount":"<decimal>","fromChain":"<chain, default base-sepolia>","toChain":"<chain>","confidence":<0..1>}
{"type":"unknown","reason":"<why the request cannot be expressed>","confidence":<0..1>}

Rules:
- Amounts are positive decimal strings in whole-token units, never base units.
- Use ticker symbols (ETH, USDC, WETH, USDT, DAI, NUSD, SUPERETH) when the user names a token.
- Chains are lowercase labels such as base, optimism, base-sepolia, op-sepolia.
- If anything required is missing or ambiguous, answer with type "unknown".
- Output only the JSON object, no prose and no code fences.`
