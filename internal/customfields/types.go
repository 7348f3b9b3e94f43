package customfields

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/text/currency"
)

// TypeName identifies one of the closed set of field type handlers.
type TypeName string

const (
	TypeText        TypeName = "text"
	TypeNumber      TypeName = "number"
	TypeMonetary    TypeName = "monetary"
	TypeDate        TypeName = "date"
	TypeDateTime    TypeName = "datetime"
	TypeBoolean     TypeName = "boolean"
	TypeYearMonth   TypeName = "yearmonth"
	TypeSelect      TypeName = "select"
	TypeMultiSelect TypeName = "multiselect"
)

const (
	maxFraction      = 6
	defaultPrecision = 2
	dateLayout       = "2006-01-02"
	dateTimeLayout   = "2006-01-02T15:04:05Z"
	// numbers are sorted as offset fixed-point integers of this width
	sortableWidth = 27
)

// Validation rule names reported in ValidationError.Rule.
const (
	RuleType      = "type"
	RuleRequired  = "required"
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RulePattern   = "pattern"
	RulePrecision = "precision"
	RuleRange     = "range"
	RuleCurrency  = "currency"
	RuleOption    = "option"
	RuleDuplicate = "duplicate"
	RuleMinItems  = "min_items"
	RuleMaxItems  = "max_items"
	RuleFormat    = "format"
)

var (
	sortOffset = new(big.Int).Exp(big.NewInt(10), big.NewInt(sortableWidth-1), nil)
	sortLimit  = new(big.Int).Exp(big.NewInt(10), big.NewInt(20+maxFraction), nil)
	fracScale  = new(big.Int).Exp(big.NewInt(10), big.NewInt(maxFraction), nil)

	decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)
)

// ValidationError is a rule breach reported by a type handler.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Rule    string `json:"rule"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(rule, format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...), Rule: rule}
}

// Option is one choice of a select or multiselect field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Config holds the handler settings of a field. Each handler reads only the
// keys that concern it.
type Config struct {
	MinLength    *int     `json:"min_length,omitempty" yaml:"min_length"`
	MaxLength    *int     `json:"max_length,omitempty" yaml:"max_length"`
	Pattern      string   `json:"pattern,omitempty" yaml:"pattern"`
	PatternError string   `json:"pattern_error,omitempty" yaml:"pattern_error"`
	Precision    *int     `json:"precision,omitempty" yaml:"precision"`
	Currency     string   `json:"currency,omitempty" yaml:"currency"`
	Options      []Option `json:"options,omitempty" yaml:"options"`
	MinItems     *int     `json:"min_items,omitempty" yaml:"min_items"`
	MaxItems     *int     `json:"max_items,omitempty" yaml:"max_items"`
}

func (c Config) precision() int {
	if c.Precision == nil {
		return defaultPrecision
	}
	return *c.Precision
}

func (c Config) option(value string) (Option, bool) {
	for _, option := range c.Options {
		if option.Value == value {
			return option, true
		}
	}
	return Option{}, false
}

// Stored is the JSON persisted for a value.
type Stored struct {
	Raw      any            `json:"raw"`
	Sortable string         `json:"sortable"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Projections are the typed columns derived from a Stored value.
type Projections struct {
	Text    *string
	Numeric *float64
	Date    *time.Time
	Boolean *bool
}

// Handler is the capability set every field type provides.
type Handler interface {
	Name() TypeName
	ValidateConfig(cfg Config) error
	Parse(raw any, cfg Config) (any, error)
	Validate(value any, cfg Config) error
	ToStorage(value any, cfg Config) Stored
	ComputeProjections(stored Stored) Projections
}

var handlers = map[TypeName]Handler{
	TypeText:        textHandler{},
	TypeNumber:      numberHandler{},
	TypeMonetary:    monetaryHandler{},
	TypeDate:        dateHandler{},
	TypeDateTime:    dateTimeHandler{},
	TypeBoolean:     booleanHandler{},
	TypeYearMonth:   yearMonthHandler{},
	TypeSelect:      selectHandler{},
	TypeMultiSelect: multiSelectHandler{},
}

// HandlerFor returns the handler of a type name.
func HandlerFor(name TypeName) (Handler, bool) {
	h, ok := handlers[name]
	return h, ok
}

// TypeNames lists the supported types in a stable order.
func TypeNames() []TypeName {
	out := make([]TypeName, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Store runs parse, validate and to_storage for one raw input.
func Store(h Handler, raw any, cfg Config) (Stored, error) {
	value, err := h.Parse(raw, cfg)
	if err != nil {
		return Stored{}, err
	}
	if err := h.Validate(value, cfg); err != nil {
		return Stored{}, err
	}
	return h.ToStorage(value, cfg), nil
}

func noConfig(Config) error { return nil }

func nonNegative(value any) error {
	switch v := value.(type) {
	case *int:
		if v != nil && *v < 0 {
			return fmt.Errorf("must not be negative")
		}
	case int:
		if v < 0 {
			return fmt.Errorf("must not be negative")
		}
	}
	return nil
}

// text

type textHandler struct{}

func (textHandler) Name() TypeName { return TypeText }

func (textHandler) ValidateConfig(cfg Config) error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.MinLength, validation.By(nonNegative)),
		validation.Field(&cfg.MaxLength, validation.By(nonNegative), validation.By(func(any) error {
			if cfg.MinLength != nil && cfg.MaxLength != nil && *cfg.MaxLength < *cfg.MinLength {
				return fmt.Errorf("must not be below min_length")
			}
			return nil
		})),
		validation.Field(&cfg.Pattern, validation.By(func(any) error {
			if cfg.Pattern == "" {
				return nil
			}
			_, err := regexp.Compile(cfg.Pattern)
			return err
		})),
	)
}

func (textHandler) Parse(raw any, _ Config) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	}
	return nil, invalid(RuleType, "expected a string, got %T", raw)
}

func (textHandler) Validate(value any, cfg Config) error {
	s := value.(string)
	n := utf8.RuneCountInString(s)
	if cfg.MinLength != nil && n < *cfg.MinLength {
		return invalid(RuleMinLength, "must be at least %d characters", *cfg.MinLength)
	}
	if cfg.MaxLength != nil && n > *cfg.MaxLength {
		return invalid(RuleMaxLength, "must be at most %d characters", *cfg.MaxLength)
	}
	if cfg.Pattern != "" {
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return invalid(RulePattern, "invalid pattern: %v", err)
		}
		if !re.MatchString(s) {
			if cfg.PatternError != "" {
				return invalid(RulePattern, "%s", cfg.PatternError)
			}
			return invalid(RulePattern, "does not match %s", cfg.Pattern)
		}
	}
	return nil
}

func (textHandler) ToStorage(value any, _ Config) Stored {
	s := value.(string)
	return Stored{Raw: s, Sortable: strings.ToLower(s)}
}

func (textHandler) ComputeProjections(stored Stored) Projections {
	s, _ := stored.Raw.(string)
	return Projections{Text: &s}
}

// number

type numberHandler struct{}

func (numberHandler) Name() TypeName { return TypeNumber }

func (numberHandler) ValidateConfig(cfg Config) error { return noConfig(cfg) }

func (numberHandler) Parse(raw any, _ Config) (any, error) {
	return parseDecimal(raw)
}

func (numberHandler) Validate(value any, _ Config) error {
	return checkRange(value.(*big.Rat))
}

func (numberHandler) ToStorage(value any, _ Config) Stored {
	r := value.(*big.Rat)
	return Stored{Raw: formatDecimal(r, 0), Sortable: sortableDecimal(r)}
}

func (numberHandler) ComputeProjections(stored Stored) Projections {
	return numericProjection(stored)
}

// monetary

type monetaryHandler struct{}

// Money is a parsed monetary amount.
type Money struct {
	Amount   *big.Rat
	Currency string
}

func (monetaryHandler) Name() TypeName { return TypeMonetary }

func (monetaryHandler) ValidateConfig(cfg Config) error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Precision, validation.By(func(any) error {
			if cfg.Precision != nil && (*cfg.Precision < 0 || *cfg.Precision > maxFraction) {
				return fmt.Errorf("must be between 0 and %d", maxFraction)
			}
			return nil
		})),
		validation.Field(&cfg.Currency, validation.By(func(any) error {
			if cfg.Currency == "" {
				return nil
			}
			_, err := currency.ParseISO(cfg.Currency)
			return err
		})),
	)
}

// Parse accepts a bare amount, using the configured currency, or an object
// {"amount": ..., "currency": ...}.
func (monetaryHandler) Parse(raw any, cfg Config) (any, error) {
	amountRaw, code := raw, cfg.Currency
	if obj, ok := raw.(map[string]any); ok {
		amountRaw = obj["amount"]
		if c, ok := obj["currency"].(string); ok && c != "" {
			code = c
		}
	}
	amount, err := parseDecimal(amountRaw)
	if err != nil {
		return nil, err
	}
	return Money{Amount: amount, Currency: strings.ToUpper(code)}, nil
}

func (monetaryHandler) Validate(value any, cfg Config) error {
	m := value.(Money)
	if err := checkRange(m.Amount); err != nil {
		return err
	}
	if m.Currency == "" {
		return invalid(RuleCurrency, "currency is required")
	}
	if _, err := currency.ParseISO(m.Currency); err != nil {
		return invalid(RuleCurrency, "unknown currency %q", m.Currency)
	}
	if cfg.Currency != "" && !strings.EqualFold(cfg.Currency, m.Currency) {
		return invalid(RuleCurrency, "currency must be %s", strings.ToUpper(cfg.Currency))
	}
	if fractionDigits(m.Amount) > cfg.precision() {
		return invalid(RulePrecision, "at most %d decimal places allowed", cfg.precision())
	}
	return nil
}

func (monetaryHandler) ToStorage(value any, cfg Config) Stored {
	m := value.(Money)
	return Stored{
		Raw:      formatDecimal(m.Amount, cfg.precision()),
		Sortable: sortableDecimal(m.Amount),
		Metadata: map[string]any{"currency": m.Currency},
	}
}

func (monetaryHandler) ComputeProjections(stored Stored) Projections {
	return numericProjection(stored)
}

// date

type dateHandler struct{}

func (dateHandler) Name() TypeName { return TypeDate }

func (dateHandler) ValidateConfig(cfg Config) error { return noConfig(cfg) }

func (dateHandler) Parse(raw any, _ Config) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, invalid(RuleType, "expected a YYYY-MM-DD string, got %T", raw)
	}
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return nil, invalid(RuleFormat, "%q is not a YYYY-MM-DD date", s)
	}
	return t, nil
}

func (dateHandler) Validate(any, Config) error { return nil }

func (dateHandler) ToStorage(value any, _ Config) Stored {
	iso := value.(time.Time).Format(dateLayout)
	return Stored{Raw: iso, Sortable: iso}
}

func (dateHandler) ComputeProjections(stored Stored) Projections {
	s, _ := stored.Raw.(string)
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Projections{}
	}
	return Projections{Date: &t}
}

// datetime

type dateTimeHandler struct{}

func (dateTimeHandler) Name() TypeName { return TypeDateTime }

func (dateTimeHandler) ValidateConfig(cfg Config) error { return noConfig(cfg) }

func (dateTimeHandler) Parse(raw any, _ Config) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, invalid(RuleType, "expected an RFC 3339 string, got %T", raw)
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return nil, invalid(RuleFormat, "%q is not an RFC 3339 timestamp", s)
	}
	return t.UTC(), nil
}

func (dateTimeHandler) Validate(any, Config) error { return nil }

func (dateTimeHandler) ToStorage(value any, _ Config) Stored {
	iso := value.(time.Time).UTC().Format(dateTimeLayout)
	return Stored{Raw: iso, Sortable: iso}
}

func (dateTimeHandler) ComputeProjections(stored Stored) Projections {
	s, _ := stored.Raw.(string)
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Projections{}
	}
	t = t.UTC()
	return Projections{Date: &t}
}

// boolean

type booleanHandler struct{}

func (booleanHandler) Name() TypeName { return TypeBoolean }

func (booleanHandler) ValidateConfig(cfg Config) error { return noConfig(cfg) }

func (booleanHandler) Parse(raw any, _ Config) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	case json.Number:
		switch v.String() {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
	case float64:
		switch v {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
	}
	return nil, invalid(RuleType, "expected true or false, got %v", raw)
}

func (booleanHandler) Validate(any, Config) error { return nil }

func (booleanHandler) ToStorage(value any, _ Config) Stored {
	b := value.(bool)
	sortable := "0"
	if b {
		sortable = "1"
	}
	return Stored{Raw: b, Sortable: sortable}
}

func (booleanHandler) ComputeProjections(stored Stored) Projections {
	b, ok := stored.Raw.(bool)
	if !ok {
		return Projections{}
	}
	return Projections{Boolean: &b}
}

// yearmonth

type yearMonthHandler struct{}

// YearMonth is a calendar month.
type YearMonth struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

func (y YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", y.Year, y.Month)
}

func (yearMonthHandler) Name() TypeName { return TypeYearMonth }

func (yearMonthHandler) ValidateConfig(cfg Config) error { return noConfig(cfg) }

// Parse accepts "YYYY-MM" or {"year": ..., "month": ...}.
func (yearMonthHandler) Parse(raw any, _ Config) (any, error) {
	switch v := raw.(type) {
	case string:
		t, err := time.Parse("2006-01", strings.TrimSpace(v))
		if err != nil {
			return nil, invalid(RuleFormat, "%q is not a YYYY-MM month", v)
		}
		return YearMonth{Year: t.Year(), Month: int(t.Month())}, nil
	case map[string]any:
		year, yok := wholeNumber(v["year"])
		month, mok := wholeNumber(v["month"])
		if !yok || !mok {
			return nil, invalid(RuleType, "year and month must be integers")
		}
		return YearMonth{Year: year, Month: month}, nil
	case YearMonth:
		return v, nil
	}
	return nil, invalid(RuleType, "expected YYYY-MM or {year, month}, got %T", raw)
}

func (yearMonthHandler) Validate(value any, _ Config) error {
	ym := value.(YearMonth)
	if ym.Year < 1 || ym.Year > 9999 {
		return invalid(RuleRange, "year %d outside 1..9999", ym.Year)
	}
	if ym.Month < 1 || ym.Month > 12 {
		return invalid(RuleRange, "month %d outside 1..12", ym.Month)
	}
	return nil
}

func (yearMonthHandler) ToStorage(value any, _ Config) Stored {
	ym := value.(YearMonth)
	return Stored{
		Raw:      map[string]any{"year": ym.Year, "month": ym.Month},
		Sortable: fmt.Sprintf("%04d%02d", ym.Year, ym.Month),
	}
}

func (yearMonthHandler) ComputeProjections(stored Stored) Projections {
	n, err := strconv.ParseFloat(stored.Sortable, 64)
	if err != nil || len(stored.Sortable) != 6 {
		return Projections{}
	}
	text := stored.Sortable[:4] + "-" + stored.Sortable[4:]
	return Projections{Text: &text, Numeric: &n}
}

// select

type selectHandler struct{}

func (selectHandler) Name() TypeName { return TypeSelect }

func (selectHandler) ValidateConfig(cfg Config) error {
	return validateOptions(cfg)
}

func (selectHandler) Parse(raw any, _ Config) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, invalid(RuleType, "expected an option value, got %T", raw)
	}
	return s, nil
}

func (selectHandler) Validate(value any, cfg Config) error {
	s := value.(string)
	if _, ok := cfg.option(s); !ok {
		return invalid(RuleOption, "unknown option %q", s)
	}
	return nil
}

func (selectHandler) ToStorage(value any, cfg Config) Stored {
	s := value.(string)
	option, _ := cfg.option(s)
	return Stored{Raw: s, Sortable: strings.ToLower(s), Metadata: map[string]any{"label": option.Label}}
}

func (selectHandler) ComputeProjections(stored Stored) Projections {
	s, _ := stored.Raw.(string)
	return Projections{Text: &s}
}

// multiselect

type multiSelectHandler struct{}

func (multiSelectHandler) Name() TypeName { return TypeMultiSelect }

func (multiSelectHandler) ValidateConfig(cfg Config) error {
	if err := validateOptions(cfg); err != nil {
		return err
	}
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.MinItems, validation.By(nonNegative)),
		validation.Field(&cfg.MaxItems, validation.By(nonNegative), validation.By(func(any) error {
			if cfg.MinItems != nil && cfg.MaxItems != nil && *cfg.MaxItems < *cfg.MinItems {
				return fmt.Errorf("must not be below min_items")
			}
			return nil
		})),
	)
}

func (multiSelectHandler) Parse(raw any, _ Config) (any, error) {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, invalid(RuleType, "options must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, invalid(RuleType, "expected a list of option values, got %T", raw)
}

func (multiSelectHandler) Validate(value any, cfg Config) error {
	values := value.([]string)
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			return invalid(RuleDuplicate, "option %q is listed twice", v)
		}
		seen[v] = struct{}{}
		if _, ok := cfg.option(v); !ok {
			return invalid(RuleOption, "unknown option %q", v)
		}
	}
	if cfg.MinItems != nil && len(values) < *cfg.MinItems {
		return invalid(RuleMinItems, "select at least %d options", *cfg.MinItems)
	}
	if cfg.MaxItems != nil && len(values) > *cfg.MaxItems {
		return invalid(RuleMaxItems, "select at most %d options", *cfg.MaxItems)
	}
	return nil
}

func (multiSelectHandler) ToStorage(value any, cfg Config) Stored {
	values := append([]string(nil), value.([]string)...)
	sort.Strings(values)
	labels := make([]string, 0, len(values))
	for _, v := range values {
		option, _ := cfg.option(v)
		labels = append(labels, option.Label)
	}
	sort.Strings(labels)
	raw := make([]any, 0, len(values))
	for _, v := range values {
		raw = append(raw, v)
	}
	return Stored{
		Raw:      raw,
		Sortable: strings.Join(values, ","),
		Metadata: map[string]any{"labels": labels, "count": len(values)},
	}
}

func (multiSelectHandler) ComputeProjections(stored Stored) Projections {
	text := stored.Sortable
	return Projections{Text: &text}
}

func validateOptions(cfg Config) error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Options, validation.Required, validation.By(func(any) error {
			seen := make(map[string]struct{}, len(cfg.Options))
			for _, option := range cfg.Options {
				if strings.TrimSpace(option.Value) == "" {
					return fmt.Errorf("option values must not be empty")
				}
				if _, dup := seen[option.Value]; dup {
					return fmt.Errorf("option %q is listed twice", option.Value)
				}
				seen[option.Value] = struct{}{}
			}
			return nil
		})),
	)
}

// decimals

func parseDecimal(raw any) (*big.Rat, error) {
	var text string
	switch v := raw.(type) {
	case string:
		text = strings.TrimSpace(v)
	case json.Number:
		text = v.String()
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		text = strconv.Itoa(v)
	case int64:
		text = strconv.FormatInt(v, 10)
	case nil:
		return nil, invalid(RuleRequired, "a number is required")
	default:
		return nil, invalid(RuleType, "expected a number, got %T", raw)
	}
	if !decimalPattern.MatchString(text) {
		return nil, invalid(RuleFormat, "%q is not a decimal number", text)
	}
	r, ok := new(big.Rat).SetString(text)
	if !ok {
		return nil, invalid(RuleFormat, "%q is not a decimal number", text)
	}
	if fractionDigits(r) > maxFraction {
		return nil, invalid(RulePrecision, "at most %d decimal places allowed", maxFraction)
	}
	return r, nil
}

// fractionDigits counts the decimal places r needs, capped above maxFraction.
func fractionDigits(r *big.Rat) int {
	scaled := new(big.Rat).Set(r)
	ten := big.NewRat(10, 1)
	for n := 0; n <= maxFraction; n++ {
		if scaled.IsInt() {
			return n
		}
		scaled.Mul(scaled, ten)
	}
	return maxFraction + 1
}

func checkRange(r *big.Rat) error {
	scaled := new(big.Int).Mul(r.Num(), fracScale)
	scaled.Quo(scaled, r.Denom())
	if new(big.Int).Abs(scaled).Cmp(sortLimit) >= 0 {
		return invalid(RuleRange, "number is too large")
	}
	return nil
}

// formatDecimal renders r with at least minPlaces decimals and no trailing
// zeros beyond them.
func formatDecimal(r *big.Rat, minPlaces int) string {
	s := r.FloatString(maxFraction)
	whole, frac, _ := strings.Cut(s, ".")
	frac = strings.TrimRight(frac, "0")
	for len(frac) < minPlaces {
		frac += "0"
	}
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// sortableDecimal encodes r so that string order equals numeric order.
func sortableDecimal(r *big.Rat) string {
	scaled := new(big.Int).Mul(r.Num(), fracScale)
	scaled.Quo(scaled, r.Denom())
	scaled.Add(scaled, sortOffset)
	s := scaled.String()
	if pad := sortableWidth - len(s); pad > 0 {
		s = strings.Repeat("0", pad) + s
	}
	return s
}

func numericProjection(stored Stored) Projections {
	s, _ := stored.Raw.(string)
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Projections{}
	}
	return Projections{Numeric: &n}
}

func wholeNumber(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := strconv.Atoi(n.String())
		return i, err == nil
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
