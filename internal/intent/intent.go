package intent

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"CoralRush/internal/capability"
)

// Name 是意图名称。
type Name string

const (
	PaymentTransfer   Name = "payment_transfer"
	TransactionStatus Name = "transaction_status"
	BalanceCheck      Name = "balance_check"
	NFTMint           Name = "nft_mint"
	SupportRequest    Name = "support_request"
	Unknown           Name = "unknown"
)

// Entities 是从用户输入中提取的实体。
type Entities struct {
	Amount      string `json:"amount,omitempty" yaml:"amount,omitempty"`
	Currency    string `json:"currency,omitempty" yaml:"currency,omitempty"`
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
	Quantity    int    `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	TxHash      string `json:"tx_hash,omitempty" yaml:"tx_hash,omitempty"`
	Contract    string `json:"contract,omitempty" yaml:"contract,omitempty"`
	TokenURI    string `json:"token_uri,omitempty" yaml:"token_uri,omitempty"`
}

// Risk 是对一次请求的风险评估。
type Risk struct {
	Score      float64 `json:"score"`
	Level      string  `json:"level"`
	FraudCheck bool    `json:"fraud_check"`
}

// Intent 是意图分析的结构化结果。
type Intent struct {
	Name       Name     `json:"intent"`
	Confidence float64  `json:"confidence"`
	Entities   Entities `json:"entities"`
	Risk       Risk     `json:"risk"`
	Reply      string   `json:"reply,omitempty"`
}

// 风险评分参数。
const (
	baseRisk             = 0.3
	largeAmountThreshold = 50000
	largeAmountRisk      = 0.2
	destinationRisk      = 0.3
)

// Assess 根据金额与目的地计算风险。
func Assess(e Entities, highRiskDestinations ...string) Risk {
	score := baseRisk
	if amount, err := strconv.ParseFloat(strings.TrimSpace(e.Amount), 64); err == nil && amount > largeAmountThreshold {
		score += largeAmountRisk
	}
	for _, d := range highRiskDestinations {
		if d != "" && strings.EqualFold(d, e.Destination) {
			score += destinationRisk
			break
		}
	}
	if score > 1 {
		score = 1
	}
	level := "high"
	switch {
	case score < 0.5:
		level = "low"
	case score < 0.8:
		level = "medium"
	}
	return Risk{Score: score, Level: level, FraudCheck: score > 0.5}
}

// Units 返回需要拆分的链上动作数量，最少为 1。
func (i Intent) Units() int {
	if i.Entities.Quantity < 1 {
		return 1
	}
	return i.Entities.Quantity
}

// Output 将意图编码为能力输出，属性使用扁平键便于跨存储往返。
func (i Intent) Output() *capability.Output {
	text := strings.TrimSpace(i.Reply)
	if text == "" {
		text = string(i.Name)
	}
	attrs := map[string]any{
		"intent":      string(i.Name),
		"risk_score":  i.Risk.Score,
		"risk_level":  i.Risk.Level,
		"fraud_check": i.Risk.FraudCheck,
	}
	setIf(attrs, "amount", i.Entities.Amount)
	setIf(attrs, "currency", i.Entities.Currency)
	setIf(attrs, "destination", i.Entities.Destination)
	setIf(attrs, "tx_hash", i.Entities.TxHash)
	setIf(attrs, "contract", i.Entities.Contract)
	setIf(attrs, "token_uri", i.Entities.TokenURI)
	if i.Entities.Quantity > 0 {
		attrs["quantity"] = i.Entities.Quantity
	}
	return &capability.Output{Text: text, Confidence: i.Confidence, Attributes: attrs}
}

// FromOutput 从能力输出中还原意图，兼容经过 JSON 往返后的属性值。
func FromOutput(out *capability.Output) Intent {
	if out == nil {
		return Intent{Name: Unknown}
	}
	a := out.Attributes
	in := Intent{
		Name:       Name(stringAttr(a, "intent")),
		Confidence: out.Confidence,
		Reply:      out.Text,
		Entities: Entities{
			Amount:      stringAttr(a, "amount"),
			Currency:    stringAttr(a, "currency"),
			Destination: stringAttr(a, "destination"),
			Quantity:    int(numberAttr(a, "quantity")),
			TxHash:      stringAttr(a, "tx_hash"),
			Contract:    stringAttr(a, "contract"),
			TokenURI:    stringAttr(a, "token_uri"),
		},
		Risk: Risk{
			Score: numberAttr(a, "risk_score"),
			Level: stringAttr(a, "risk_level"),
		},
	}
	if v, ok := a["fraud_check"].(bool); ok {
		in.Risk.FraudCheck = v
	}
	if in.Name == "" {
		in.Name = Unknown
	}
	return in
}

// ToWei 将以太单位的金额转换为 wei 的十进制字符串。
func ToWei(amount string) (string, error) {
	amount = strings.TrimSpace(strings.ReplaceAll(amount, ",", ""))
	if amount == "" {
		return "", fmt.Errorf("amount is empty")
	}
	value, ok := new(big.Float).SetPrec(256).SetString(amount)
	if !ok {
		return "", fmt.Errorf("invalid amount %q", amount)
	}
	if value.Sign() < 0 {
		return "", fmt.Errorf("amount must not be negative")
	}
	wei := new(big.Float).SetPrec(256).Mul(value, new(big.Float).SetPrec(256).SetInt(big.NewInt(1e18)))
	out, _ := wei.Int(nil)
	return out.String(), nil
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func stringAttr(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func numberAttr(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
