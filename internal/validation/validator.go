package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"kora/internal/currency"
	"kora/internal/domain"
)

// plainDecimal admits digits with an optional fraction. Exponent forms such
// as "1e6" are rejected.
var plainDecimal = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

const maxAmountLength = 96

type CurrencyWhitelist interface {
	IsSupported(symbol string) bool
	Token(symbol string) (currency.Token, bool)
}

// Validator checks session requests before any state is created. Rules run
// in a fixed order and the first failure is the one reported.
type Validator struct {
	whitelist CurrencyWhitelist
	validate  *validator.Validate
}

func New(whitelist CurrencyWhitelist) *Validator {
	v := validator.New()
	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) > maxAmountLength || !plainDecimal.MatchString(s) {
			return false
		}
		d, err := decimal.NewFromString(s)
		return err == nil && d.IsPositive()
	})
	return &Validator{whitelist: whitelist, validate: v}
}

func (v *Validator) ValidateCreate(req domain.CreateSessionRequest) error {
	if isBlank(req.MerchantID) {
		return domain.NewValidationError("merchant_id", "merchant_id is required")
	}

	if isBlank(req.Amount) {
		return domain.NewValidationError("amount", "amount is required")
	}
	if err := v.validate.Var(strings.TrimSpace(req.Amount), "positive_decimal"); err != nil {
		return domain.NewValidationError("amount", fmt.Sprintf("%q is not a positive decimal", req.Amount))
	}

	if isBlank(req.Currency) {
		return domain.NewValidationError("currency", "currency is required")
	}
	if !v.whitelist.IsSupported(req.Currency) {
		return domain.NewUnsupportedCurrencyError(req.Currency)
	}
	token, _ := v.whitelist.Token(req.Currency)
	amount := decimal.RequireFromString(strings.TrimSpace(req.Amount))
	if _, err := token.ToBaseUnits(amount); err != nil {
		return domain.NewValidationError("amount", err.Error())
	}

	if isBlank(req.CallbackURL) {
		return domain.NewValidationError("callback_url", "callback_url is required")
	}
	if err := v.validate.Var(strings.TrimSpace(req.CallbackURL), "http_url"); err != nil {
		return domain.NewValidationError("callback_url", fmt.Sprintf("%q is not a valid http(s) URL", req.CallbackURL))
	}

	return nil
}

// ValidateConfirm checks that txHash is a 0x-prefixed 32-byte EVM hash.
func (v *Validator) ValidateConfirm(txHash string) error {
	if isBlank(txHash) {
		return domain.NewValidationError("transaction_hash", "transaction_hash is required")
	}
	b, err := hexutil.Decode(txHash)
	if err != nil || len(b) != common.HashLength {
		return domain.NewValidationError("transaction_hash", fmt.Sprintf("%q is not a 0x-prefixed 32-byte hex hash", txHash))
	}
	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
