package common

import (
	"math/rand/v2"
	"strings"
)

const trxCharacters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func GenerateTrxNo() string {
	result := make([]byte, 7)
	for i := range result {
		result[i] = trxCharacters[rand.IntN(len(trxCharacters))]
	}
	return string(result)
}

// GenerateReference prefixes a fresh transaction number, e.g. "STL-4K9Q2ZD".
func GenerateReference(prefix string) string {
	if prefix == "" {
		return GenerateTrxNo()
	}
	return strings.ToUpper(prefix) + "-" + GenerateTrxNo()
}
