package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/chain"
	"github.com/kesc-finance/wallet/pkg/model"
)

// Request is one form submission.
type Request struct {
	Kind   model.FlowKind `json:"kind"`
	Amount string         `json:"amount"`
	// Phone is the mobile-money number for buy and sell.
	Phone string `json:"phone,omitempty"`
	// Recipient is the destination wallet for send.
	Recipient string `json:"recipient,omitempty"`
	// AccountNumber and BusinessNumber identify the bill for paybill.
	AccountNumber  string `json:"accountNumber,omitempty"`
	BusinessNumber string `json:"businessNumber,omitempty"`
	// Operator overrides the configured mobile-money operator.
	Operator string `json:"operator,omitempty"`
}

// ValidationError carries one message per offending form field.
type ValidationError struct {
	Fields map[string]string
	first  *apperr.Error
}

func (e *ValidationError) Error() string { return e.first.Error() }

func (e *ValidationError) Unwrap() error { return e.first }

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; ok {
		return
	}
	e.Fields[field] = msg
	if e.first == nil {
		e.first = apperr.Field(field, msg)
	}
}

func (e *ValidationError) orNil() error {
	if e.first == nil {
		return nil
	}
	return e
}

var (
	businessNumberRe = regexp.MustCompile(`^[0-9]{5,7}$`)
	accountNumberRe  = regexp.MustCompile(`^[A-Za-z0-9-]{1,20}$`)
)

// phonePattern accepts 07XXXXXXXX, 7XXXXXXXX, <code>7XXXXXXXX and +<code>7XXXXXXXX.
func phonePattern(code string) *regexp.Regexp {
	q := regexp.QuoteMeta(code)
	return regexp.MustCompile(fmt.Sprintf(`^(?:%s|\+%s|0)?(7[0-9]{8})$`, q, q))
}

// NormalizePhone returns the E.164 form of phone for country.
func NormalizePhone(phone string, country model.Country) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
	if cleaned == "" {
		return "", apperr.Field("phone", "Phone number is required")
	}
	m := phonePattern(country.PhoneCode).FindStringSubmatch(cleaned)
	if m == nil {
		return "", apperr.Field("phone", fmt.Sprintf("Please enter a valid %s phone number", country.Name))
	}
	return "+" + country.PhoneCode + m[1], nil
}

// validated is a request after every precondition passed.
type validated struct {
	Request
	amount  decimal.Decimal
	country model.Country
	wallet  string
	phone   string
}

// validate checks the submission in the order the user should see failures:
// form fields first, then wallet connection, then configuration.
func (o *Orchestrator) validate(req Request) (*validated, error) {
	if !req.Kind.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "orchestrator.validate", "Unsupported flow %q", req.Kind)
	}

	verr := &ValidationError{}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	switch {
	case strings.TrimSpace(req.Amount) == "":
		verr.add("amount", "Amount is required")
	case err != nil || !amount.IsPositive():
		verr.add("amount", "Amount must be a positive number")
	case req.Kind != model.FlowSend && (amount.LessThan(o.cfg.MinAmount) || amount.GreaterThan(o.cfg.MaxAmount)):
		verr.add("amount", fmt.Sprintf("Amount must be between %s and %s", o.cfg.MinAmount.String(), o.cfg.MaxAmount.String()))
	case !amount.Equal(amount.Truncate(o.cfg.Decimals)):
		verr.add("amount", "Amount has too many decimal places")
	}

	country, countryOK := model.LookupCountry(o.cfg.Country)

	out := &validated{Request: req, amount: amount, country: country}
	switch req.Kind {
	case model.FlowBuy, model.FlowSell:
		if countryOK {
			phone, err := NormalizePhone(req.Phone, country)
			if err != nil {
				verr.add("phone", apperr.UserMessage(err))
			}
			out.phone = phone
		}
	case model.FlowPayBill:
		if !businessNumberRe.MatchString(strings.TrimSpace(req.BusinessNumber)) {
			verr.add("businessNumber", "Please enter a valid business number")
		}
		if !accountNumberRe.MatchString(strings.TrimSpace(req.AccountNumber)) {
			verr.add("accountNumber", "Please enter a valid account number")
		}
	case model.FlowSend:
		if strings.TrimSpace(req.Recipient) == "" {
			verr.add("recipient", "Please enter a recipient address")
		} else if !chain.ValidAddress(strings.TrimSpace(req.Recipient)) {
			verr.add("recipient", "Invalid recipient address")
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	if o.chain == nil || o.chain.Address() == "" {
		return nil, apperr.Field("address", "Please connect your wallet to continue")
	}
	out.wallet = o.chain.Address()

	if req.Kind != model.FlowSend {
		if o.cfg.Country == "" || o.cfg.Network == "" {
			return nil, apperr.New(apperr.KindConfiguration, "orchestrator.validate", "Application configuration error. Please contact support.")
		}
		if !countryOK {
			return nil, apperr.New(apperr.KindConfiguration, "orchestrator.validate", "Invalid country configuration")
		}
	}
	if req.Kind == model.FlowSend && chain.SameAddress(req.Recipient, out.wallet) {
		return nil, apperr.Field("recipient", "Cannot send to your own address")
	}

	out.Recipient = strings.TrimSpace(req.Recipient)
	out.AccountNumber = strings.TrimSpace(req.AccountNumber)
	out.BusinessNumber = strings.TrimSpace(req.BusinessNumber)
	if out.Operator == "" {
		out.Operator = o.cfg.Operator
	}
	return out, nil
}
