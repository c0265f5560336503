package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 60 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultEnvironment       = "local"
	defaultPaymentTimeout    = 15 * time.Second
	defaultPaymentCurrency   = "BDT"
	defaultSMTPPort          = 587
	defaultMailFromName      = "Event Registration"
	defaultInvoiceWorkDir    = "invoices"
	defaultInvoiceSeller     = "KCD DHAKA"
	defaultTimeZone          = "Asia/Dhaka"
	defaultOrderHold         = 30 * time.Minute
	defaultCheckoutRateLimit = 30
	defaultSweeperInterval   = 30 * time.Minute
	defaultSweeperBatchSize  = 200
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultIdempotencyKey    = "Idempotency-Key"
	defaultSignedURLExpiry   = 15 * time.Minute
)

// Config captures all runtime configuration organised by concern. It is built once at
// start-up and handed to each component constructor.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	Payment     PaymentConfig
	Mail        MailConfig
	Invoice     InvoiceConfig
	Orders      OrderConfig
	Sweeper     SweeperConfig
	PubSub      PubSubConfig
	Redis       RedisConfig
	Idempotency IdempotencyConfig
	Environment string
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for admin authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig names the invoice archive bucket and the signing identity for download URLs.
type StorageConfig struct {
	InvoiceBucket         string
	SignerCredentialsFile string
	SignedURLExpiry       time.Duration
}

// PaymentConfig holds the hosted payment gateway credentials and redirect targets.
type PaymentConfig struct {
	APIURL       string
	StoreID      string
	SignatureKey string
	SuccessURL   string
	FailURL      string
	CancelURL    string
	Currency     string
	Timeout      time.Duration
}

// MailConfig configures the SMTP transport.
type MailConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromName  string
	FromEmail string
}

// InvoiceConfig configures invoice rendering.
type InvoiceConfig struct {
	WorkDir    string
	SellerName string
	VAT        string
	Watermark  string
}

// OrderConfig holds checkout policy knobs.
type OrderConfig struct {
	Hold     time.Duration
	TimeZone string
	// CheckoutRateLimit caps order submissions per client per minute. Zero disables it.
	CheckoutRateLimit int
}

// SweeperConfig controls the expired order sweeper.
type SweeperConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// PubSubConfig names the topic receiving order lifecycle events. Empty disables publishing.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// RedisConfig points at the Redis instance backing idempotency records. Empty uses memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// IdempotencyConfig controls idempotent replay of order submissions.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved empty.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface. Names are hashed so logs never carry the field layout.
func (e *MissingSecretsError) Error() string {
	redacted := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		redacted = append(redacted, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(redacted)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// Names returns the missing secret identifiers.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects an explicit key/value map that takes precedence over the process env.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields (e.g. "Payment.SignatureKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// Load assembles the configuration from defaults, .env overrides, environment variables and
// Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(lookup.str("API_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         lookup.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  lookup.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: lookup.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  lookup.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       lookup.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: lookup.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    lookup.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: lookup.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			InvoiceBucket:         lookup.str("API_STORAGE_INVOICE_BUCKET", ""),
			SignerCredentialsFile: lookup.str("API_STORAGE_SIGNER_CREDENTIALS_FILE", ""),
			SignedURLExpiry:       lookup.duration("API_STORAGE_SIGNED_URL_EXPIRY", defaultSignedURLExpiry),
		},
		Payment: PaymentConfig{
			APIURL:       lookup.str("API_PAYMENT_API_URL", ""),
			StoreID:      lookup.str("API_PAYMENT_STORE_ID", ""),
			SignatureKey: lookup.str("API_PAYMENT_SIGNATURE_KEY", ""),
			SuccessURL:   lookup.str("API_PAYMENT_SUCCESS_URL", ""),
			FailURL:      lookup.str("API_PAYMENT_FAIL_URL", ""),
			CancelURL:    lookup.str("API_PAYMENT_CANCEL_URL", ""),
			Currency:     strings.ToUpper(lookup.str("API_PAYMENT_CURRENCY", defaultPaymentCurrency)),
			Timeout:      lookup.duration("API_PAYMENT_TIMEOUT", defaultPaymentTimeout),
		},
		Mail: MailConfig{
			Host:      lookup.str("API_SMTP_HOST", ""),
			Port:      lookup.integer("API_SMTP_PORT", defaultSMTPPort),
			Username:  lookup.str("API_SMTP_USERNAME", ""),
			Password:  lookup.str("API_SMTP_PASSWORD", ""),
			FromName:  lookup.str("API_MAIL_FROM_NAME", defaultMailFromName),
			FromEmail: lookup.str("API_MAIL_FROM_EMAIL", ""),
		},
		Invoice: InvoiceConfig{
			WorkDir:    lookup.str("API_INVOICE_WORK_DIR", defaultInvoiceWorkDir),
			SellerName: lookup.str("API_INVOICE_SELLER_NAME", defaultInvoiceSeller),
			VAT:        lookup.str("API_INVOICE_VAT", "0"),
			Watermark:  lookup.str("API_INVOICE_WATERMARK", ""),
		},
		Orders: OrderConfig{
			Hold:              lookup.duration("API_ORDER_HOLD", defaultOrderHold),
			TimeZone:          lookup.str("API_TIME_ZONE", defaultTimeZone),
			CheckoutRateLimit: lookup.integer("API_ORDER_CHECKOUT_RATE_LIMIT", defaultCheckoutRateLimit),
		},
		Sweeper: SweeperConfig{
			Enabled:   lookup.boolean("API_SWEEPER_ENABLED", true),
			Interval:  lookup.duration("API_SWEEPER_INTERVAL", defaultSweeperInterval),
			BatchSize: lookup.integer("API_SWEEPER_BATCH_SIZE", defaultSweeperBatchSize),
		},
		PubSub: PubSubConfig{
			ProjectID: lookup.str("API_PUBSUB_PROJECT_ID", ""),
			Topic:     lookup.str("API_PUBSUB_TOPIC", ""),
		},
		Redis: RedisConfig{
			Addr:     lookup.str("API_REDIS_ADDR", ""),
			Password: lookup.str("API_REDIS_PASSWORD", ""),
			DB:       lookup.integer("API_REDIS_DB", 0),
		},
		Idempotency: IdempotencyConfig{
			Header: lookup.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyKey),
			TTL:    lookup.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Payment.FailURL == "" {
		cfg.Payment.FailURL = cfg.Payment.SuccessURL
	}
	if cfg.Payment.CancelURL == "" {
		cfg.Payment.CancelURL = cfg.Payment.SuccessURL
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payment.SignatureKey", &cfg.Payment.SignatureKey},
		{"Mail.Password", &cfg.Mail.Password},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Storage.InvoiceBucket == "" {
		missing = append(missing, "Storage.InvoiceBucket")
	}
	if cfg.Payment.APIURL == "" {
		missing = append(missing, "Payment.APIURL")
	}
	if cfg.Payment.StoreID == "" {
		missing = append(missing, "Payment.StoreID")
	}
	if cfg.Payment.SuccessURL == "" {
		missing = append(missing, "Payment.SuccessURL")
	}
	if len(cfg.Payment.Currency) != 3 {
		missing = append(missing, "Payment.Currency")
	}
	if cfg.Payment.Timeout <= 0 {
		missing = append(missing, "Payment.Timeout")
	}
	if cfg.Mail.Host == "" {
		missing = append(missing, "Mail.Host")
	}
	if cfg.Mail.FromEmail == "" {
		missing = append(missing, "Mail.FromEmail")
	}
	if cfg.Mail.Port <= 0 {
		missing = append(missing, "Mail.Port")
	}
	if cfg.Orders.Hold <= 0 {
		missing = append(missing, "Orders.Hold")
	}
	if cfg.Orders.CheckoutRateLimit < 0 {
		missing = append(missing, "Orders.CheckoutRateLimit")
	}
	if _, err := time.LoadLocation(cfg.Orders.TimeZone); err != nil {
		missing = append(missing, "Orders.TimeZone")
	}
	if cfg.Sweeper.Interval <= 0 {
		missing = append(missing, "Sweeper.Interval")
	}
	if cfg.Sweeper.BatchSize <= 0 {
		missing = append(missing, "Sweeper.BatchSize")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" || cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}
