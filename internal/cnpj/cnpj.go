// Package cnpj implements normalization, checksum validation, and masking for
// Brazilian CNPJ company identifiers, plus the canonical registry record that
// a successful lookup produces. Everything here is pure and deterministic —
// no I/O, no clocks — so callers can validate before spending a rate-limit
// token on the upstream registry.
package cnpj

import (
	"fmt"
	"strings"
	"time"
)

// Length is the number of digits in a normalized CNPJ.
const Length = 14

// Mod-11 check digit weights. The first verification digit covers digits
// 0-11, the second covers digits 0-12 (including the first check digit).
var (
	weightsFirst  = [12]int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	weightsSecond = [13]int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
)

// InvalidError describes why an identifier failed local validation.
// It never carries the raw identifier; use Mask when logging context.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return "invalid cnpj: " + e.Reason
}

// Normalize strips every non-digit character from raw user input.
// It is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(Length)
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate checks a normalized identifier: exactly 14 digits, not a
// repeated-digit pattern, and both weighted mod-11 check digits correct.
// Returns a *InvalidError with a human-readable reason on failure.
func Validate(id string) error {
	if len(id) != Length {
		return &InvalidError{Reason: fmt.Sprintf("expected %d digits, got %d", Length, len(id))}
	}

	var digits [Length]int
	allEqual := true
	for i := 0; i < Length; i++ {
		c := id[i]
		if c < '0' || c > '9' {
			return &InvalidError{Reason: "contains non-digit characters"}
		}
		digits[i] = int(c - '0')
		if digits[i] != digits[0] {
			allEqual = false
		}
	}
	if allEqual {
		return &InvalidError{Reason: "all digits are identical"}
	}

	sum := 0
	for i, w := range weightsFirst {
		sum += digits[i] * w
	}
	if checkDigit(sum) != digits[12] {
		return &InvalidError{Reason: "first check digit does not match"}
	}

	sum = 0
	for i, w := range weightsSecond {
		sum += digits[i] * w
	}
	if checkDigit(sum) != digits[13] {
		return &InvalidError{Reason: "second check digit does not match"}
	}

	return nil
}

// checkDigit maps a weighted sum to its mod-11 verification digit.
func checkDigit(sum int) int {
	rem := sum % 11
	if rem < 2 {
		return 0
	}
	return 11 - rem
}

// Mask formats a 14-digit identifier as XX.XXX.XXX/XXXX-XX for logs and
// telemetry. Anything that is not exactly 14 characters is returned as-is.
// Raw identifiers must never reach a log line except through this function.
func Mask(id string) string {
	if len(id) != Length {
		return id
	}
	return id[:2] + "." + id[2:5] + "." + id[5:8] + "/" + id[8:12] + "-" + id[12:]
}

// MaskEmail redacts an email-like string for logging: the first two
// characters of the local part survive, the rest is replaced with "***".
// Strings without an "@" are fully redacted.
func MaskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return "***"
	}
	local := s[:at]
	if len(local) > 2 {
		local = local[:2]
	}
	return local + "***@" + s[at+1:]
}

// Record is the canonical registry record for a company, mapped from the
// provider's wire schema. Optional fields are empty strings (or a nil date)
// when the registry has no data. Raw retains the provider's full response
// body for audit.
type Record struct {
	Cnpj              string     `json:"cnpj"`
	RazaoSocial       string     `json:"razao_social"`
	NomeFantasia      string     `json:"nome_fantasia,omitempty"`
	SituacaoCadastral string     `json:"situacao_cadastral"`
	DataAbertura      *time.Time `json:"data_abertura,omitempty"`
	CnaePrincipal     string     `json:"cnae_principal,omitempty"`
	CnaesSecundarios  string     `json:"cnaes_secundarios,omitempty"`
	Logradouro        string     `json:"logradouro,omitempty"`
	Numero            string     `json:"numero,omitempty"`
	Complemento       string     `json:"complemento,omitempty"`
	Bairro            string     `json:"bairro,omitempty"`
	Municipio         string     `json:"municipio,omitempty"`
	Uf                string     `json:"uf,omitempty"`
	Cep               string     `json:"cep,omitempty"`
	Telefone          string     `json:"telefone,omitempty"`
	Email             string     `json:"email,omitempty"`
	Raw               []byte     `json:"raw,omitempty"`
}
