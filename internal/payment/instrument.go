package payment

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Instrument is the raw card payload received at checkout. It is validated for
// shape, passed to the provider, and never persisted; only Masked is stored.
type Instrument struct {
	CardholderName string `json:"cardholderName" validate:"required,max=120"`
	CardNumber     string `json:"cardNumber" validate:"required,pan"`
	ExpMonth       string `json:"expMonth" validate:"required,expmonth"`
	ExpYear        string `json:"expYear" validate:"required,len=2,numeric"`
	CVC            string `json:"cvc" validate:"required,min=3,max=4,numeric"`
}

// Masked is the part of an instrument that may be kept with the order.
type Masked struct {
	Provider       string `json:"provider"`
	CardholderName string `json:"cardholderName"`
	CardLast4      string `json:"cardLast4"`
	ExpMonth       string `json:"expMonth"`
	ExpYear        string `json:"expYear"`
}

var (
	validate     = newValidator()
	monthPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("pan", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		for _, r := range raw {
			if r != ' ' && !unicode.IsDigit(r) {
				return false
			}
		}
		n := len(normalizePAN(raw))
		return n >= 12 && n <= 19
	})
	_ = v.RegisterValidation("expmonth", func(fl validator.FieldLevel) bool {
		return monthPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validator exposes the shared instance (with the card rules registered) so
// request types in other packages validate with the same rules.
func Validator() *validator.Validate { return validate }

func (i Instrument) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid payment instrument: %w", err)
	}
	return nil
}

func (i Instrument) Mask(provider string) Masked {
	pan := normalizePAN(i.CardNumber)
	last4 := pan
	if len(pan) > 4 {
		last4 = pan[len(pan)-4:]
	}
	return Masked{
		Provider:       provider,
		CardholderName: i.CardholderName,
		CardLast4:      last4,
		ExpMonth:       i.ExpMonth,
		ExpYear:        i.ExpYear,
	}
}

func (i Instrument) String() string {
	m := i.Mask("")
	return fmt.Sprintf("card ****%s exp %s/%s", m.CardLast4, m.ExpMonth, m.ExpYear)
}

// LogValue keeps the PAN and CVC out of structured logs.
func (i Instrument) LogValue() slog.Value {
	return slog.StringValue(i.String())
}

func normalizePAN(s string) string {
	return strings.ReplaceAll(s, " ", "")
}
