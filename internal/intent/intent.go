// Package intent defines the closed set of actions a free-text request can be
// turned into, plus the token table used to check them.
package intent

import "encoding/json"

type Kind string

const (
	KindSwap     Kind = "swap"
	KindTransfer Kind = "transfer"
	KindBridge   Kind = "bridge"
	KindUnknown  Kind = "unknown"
)

const DefaultSlippageBps = 50

// Meta is carried by every intent variant.
type Meta struct {
	Confidence float64 `json:"confidence"`
	RawInput   string  `json:"rawInput"`
}

// Intent is implemented only by Swap, Transfer, Bridge and Unknown.
type Intent interface {
	Kind() Kind
	Metadata() Meta
	sealed()
}

type Swap struct {
	Meta
	TokenIn     string `json:"tokenIn"`
	TokenOut    string `json:"tokenOut"`
	AmountIn    string `json:"amountIn"`
	SlippageBps int    `json:"slippageBps"`
}

type Transfer struct {
	Meta
	Token  string `json:"token"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

type Bridge struct {
	Meta
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	FromChain string `json:"fromChain"`
	ToChain   string `json:"toChain"`
}

// Unknown is what every unusable request becomes. Reason says why.
type Unknown struct {
	Meta
	Reason string `json:"reason"`
}

func (Swap) Kind() Kind     { return KindSwap }
func (Transfer) Kind() Kind { return KindTransfer }
func (Bridge) Kind() Kind   { return KindBridge }
func (Unknown) Kind() Kind  { return KindUnknown }

func (s Swap) Metadata() Meta     { return s.Meta }
func (t Transfer) Metadata() Meta { return t.Meta }
func (b Bridge) Metadata() Meta   { return b.Meta }
func (u Unknown) Metadata() Meta  { return u.Meta }

func (Swap) sealed()     {}
func (Transfer) sealed() {}
func (Bridge) sealed()   {}
func (Unknown) sealed()  {}

func (s Swap) MarshalJSON() ([]byte, error) {
	type plain Swap
	return marshalTagged(KindSwap, plain(s))
}

func (t Transfer) MarshalJSON() ([]byte, error) {
	type plain Transfer
	return marshalTagged(KindTransfer, plain(t))
}

func (b Bridge) MarshalJSON() ([]byte, error) {
	type plain Bridge
	return marshalTagged(KindBridge, plain(b))
}

func (u Unknown) MarshalJSON() ([]byte, error) {
	type plain Unknown
	return marshalTagged(KindUnknown, plain(u))
}

// NewUnknown builds an Unknown with zero confidence.
func NewUnknown(reason, rawInput string) Unknown {
	return Unknown{Meta: Meta{RawInput: rawInput}, Reason: reason}
}

// WithRawInput returns a copy of in whose RawInput is raw.
func WithRawInput(in Intent, raw string) Intent {
	switch v := in.(type) {
	case Swap:
		v.RawInput = raw
		return v
	case Transfer:
		v.RawInput = raw
		return v
	case Bridge:
		v.RawInput = raw
		return v
	case Unknown:
		v.RawInput = raw
		return v
	default:
		return NewUnknown("unrecognized intent value", raw)
	}
}

// Normalized returns a copy of in with every token symbol normalized.
func Normalized(in Intent) Intent {
	switch v := in.(type) {
	case Swap:
		v.TokenIn = NormalizeTokenSymbol(v.TokenIn)
		v.TokenOut = NormalizeTokenSymbol(v.TokenOut)
		return v
	case Transfer:
		v.Token = NormalizeTokenSymbol(v.Token)
		return v
	case Bridge:
		v.Token = NormalizeTokenSymbol(v.Token)
		return v
	default:
		return in
	}
}

func marshalTagged(kind Kind, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(kind)
	fields["type"] = tag
	return json.Marshal(fields)
}
