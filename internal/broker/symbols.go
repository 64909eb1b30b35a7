package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FormatOCCSymbol builds an OCC/OSI option symbol: UNDERLYING + YYMMDD + C/P + 8-digit strike.
// Strikes are encoded in thousandths of a dollar, e.g. $123.4567 -> 00123457.
func FormatOCCSymbol(underlying string, expiration time.Time, optionType OptionType, strike float64) string {
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	typeChar := "C"
	if optionType == OptionTypePut {
		typeChar = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), expiration.Format("060102"), typeChar, strikeInt)
}

// ParseOCCSymbol decomposes an OCC/OSI option symbol into its parts.
// Returns an error for equity symbols or anything that does not match the format.
func ParseOCCSymbol(s string) (underlying string, expiration time.Time, optionType OptionType, strike float64, err error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 16 {
		return "", time.Time{}, "", 0, fmt.Errorf("not an option symbol: %q", s)
	}

	// Scan for the 6-digit expiration followed by P/C and exactly 8 strike digits.
	for i := 1; i <= len(trimmed)-15; i++ {
		if !isSixDigits(trimmed[i : i+6]) {
			continue
		}
		if trimmed[i-1] >= '0' && trimmed[i-1] <= '9' {
			continue
		}
		typeChar := trimmed[i+6]
		if typeChar != 'P' && typeChar != 'C' && typeChar != 'p' && typeChar != 'c' {
			continue
		}
		strikeStart := i + 7
		if strikeStart+8 != len(trimmed) || !isEightDigits(trimmed[strikeStart:]) {
			continue
		}

		exp, perr := time.Parse("060102", trimmed[i:i+6])
		if perr != nil {
			continue
		}
		strikeInt, perr := strconv.Atoi(trimmed[strikeStart:])
		if perr != nil {
			continue
		}

		ot := OptionTypeCall
		if typeChar == 'P' || typeChar == 'p' {
			ot = OptionTypePut
		}
		return trimmed[:i], exp.UTC(), ot, float64(strikeInt) / 1000, nil
	}

	return "", time.Time{}, "", 0, fmt.Errorf("not an option symbol: %q", s)
}

// UnderlyingFromOCC returns the underlying ticker from an option symbol,
// or the empty string when the symbol is not OCC formatted.
func UnderlyingFromOCC(s string) string {
	underlying, _, _, _, err := ParseOCCSymbol(s)
	if err != nil {
		return ""
	}
	return underlying
}

func isSixDigits(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isEightDigits(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
