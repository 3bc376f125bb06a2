package intent

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reTxHash   = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)
	reAddress  = regexp.MustCompile(`0x[0-9a-fA-F]{40}\b`)
	reAmount   = regexp.MustCompile(`(?i)\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*(eth|usdc|usdt|usd|php|dollars?)?`)
	reQuantity = regexp.MustCompile(`(?i)\b([0-9]+|one|two|three|four|five|six|seven|eight|nine|ten)\s+(?:nfts?|tokens?|badges?|times|payments?|transfers?)\b`)
	reTo       = regexp.MustCompile(`(?i)\bto\s+([A-Za-z][A-Za-z ]{1,40}?)(?:\s+for\b|[.,!?]|$)`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var currencies = map[string]string{
	"eth": "ETH", "usdc": "USDC", "usdt": "USDT", "usd": "USD",
	"dollar": "USD", "dollars": "USD", "php": "PHP",
}

// Extract 从文本中提取金额、币种、地址、交易哈希与数量。
func Extract(text string) Entities {
	var e Entities

	if hash := reTxHash.FindString(text); hash != "" {
		e.TxHash = hash
		text = strings.Replace(text, hash, " ", 1)
	}
	if addr := reAddress.FindString(text); addr != "" {
		e.Destination = addr
		text = strings.Replace(text, addr, " ", 1)
	} else if m := reTo.FindStringSubmatch(text); m != nil {
		e.Destination = strings.TrimSpace(m[1])
	}

	if m := reQuantity.FindStringSubmatch(text); m != nil {
		e.Quantity = parseCount(m[1])
		text = strings.Replace(text, m[0], " ", 1)
	}

	for _, m := range reAmount.FindAllStringSubmatch(text, -1) {
		if m[2] == "" && !strings.Contains(m[0], "$") {
			continue
		}
		e.Amount = strings.ReplaceAll(m[1], ",", "")
		if m[2] != "" {
			e.Currency = currencies[strings.ToLower(m[2])]
		} else {
			e.Currency = "USD"
		}
		break
	}
	return e
}

func parseCount(raw string) int {
	if n, ok := numberWords[strings.ToLower(raw)]; ok {
		return n
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
