package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/germanamz/vitalscan/pkg/metrics"
	"github.com/germanamz/vitalscan/pkg/scanconfig"
	"github.com/germanamz/vitalscan/pkg/vendorapi"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const registerPath = "/organizations/register"

var tracer = otel.Tracer("github.com/germanamz/vitalscan/pkg/license")

// Credentials are the device token pair returned by a registration. They
// live for one process session and are never written to durable storage.
type Credentials struct {
	Token        string
	RefreshToken string
	// ExpiresAt is read, unverified, from the token's exp claim when the
	// token is a JWT. Zero when unknown.
	ExpiresAt time.Time
}

// Identity describes the registering device.
type Identity struct {
	DeviceTypeID string
	Name         string
	Identifier   string
	Version      string
}

// RegistrationError is returned when the license exchange fails. StatusCode
// is zero when the request never got an HTTP answer.
type RegistrationError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *RegistrationError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("license: registration failed: %v", e.Err)
	}
	return fmt.Sprintf("license: registration failed: %d %s", e.StatusCode, e.Status)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Registrar obtains device credentials for a configuration.
type Registrar interface {
	Register(ctx context.Context, cfg scanconfig.Config) (Credentials, error)
}

// Option configures a Broker.
type Option func(*Broker)

// WithHTTPClient sets the HTTP client used for registration calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) { b.httpClient = c }
}

// WithIdentity overrides the device identity sent with registrations.
func WithIdentity(id Identity) Option {
	return func(b *Broker) { b.identity = id }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// Broker registers the license against the vendor service.
type Broker struct {
	httpClient *http.Client
	identity   Identity
	log        *slog.Logger
}

var _ Registrar = (*Broker)(nil)

// NewBroker creates a Broker. The device identifier is generated once per
// Broker so repeated registrations present the same device.
func NewBroker(opts ...Option) *Broker {
	name, _ := os.Hostname()
	b := &Broker{
		identity: Identity{
			Name:       name,
			Identifier: uuid.NewString(),
			Version:    "1.0.0",
		},
		log: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type registerRequest struct {
	LicenseKey   string `json:"licenseKey"`
	DeviceTypeID string `json:"deviceTypeId"`
	Name         string `json:"name,omitempty"`
	Identifier   string `json:"identifier,omitempty"`
	Version      string `json:"version,omitempty"`
}

type registerResponse struct {
	Token        string `json:"Token"`
	RefreshToken string `json:"RefreshToken"`
}

// Register performs a single registration call. Non-2xx answers and
// transport failures are returned as *RegistrationError.
func (b *Broker) Register(ctx context.Context, cfg scanconfig.Config) (Credentials, error) {
	var missing []string
	if cfg.ServiceHost == "" {
		missing = append(missing, scanconfig.KeyServiceHost)
	}
	if cfg.LicenseKey == "" {
		missing = append(missing, scanconfig.KeyLicenseKey)
	}
	if len(missing) > 0 {
		return Credentials{}, &scanconfig.ConfigurationError{Missing: missing}
	}

	deviceType := b.identity.DeviceTypeID
	if deviceType == "" {
		deviceType = cfg.DeviceTypeID
	}

	ctx, span := tracer.Start(ctx, "license.Register", trace.WithAttributes(
		attribute.String("vitalscan.device_type", deviceType),
	))
	defer span.End()

	client := vendorapi.New(cfg.ServiceHost, b.httpClient)
	req := registerRequest{
		LicenseKey:   cfg.LicenseKey,
		DeviceTypeID: deviceType,
		Name:         b.identity.Name,
		Identifier:   b.identity.Identifier,
		Version:      b.identity.Version,
	}

	start := time.Now()
	var resp registerResponse
	err := client.PostJSON(ctx, registerPath, req, &resp)
	if err == nil && resp.Token == "" {
		err = &RegistrationError{StatusCode: http.StatusOK, Status: "OK", Err: errors.New("empty token in response")}
	}
	if err != nil {
		err = registrationError(err)
	}
	metrics.RecordRegistration(time.Since(start).Seconds(), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.log.ErrorContext(ctx, "license registration failed", "host", cfg.ServiceHost, "error", err)
		return Credentials{}, err
	}

	creds := Credentials{
		Token:        resp.Token,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    tokenExpiry(resp.Token),
	}

	b.log.InfoContext(ctx, "license registered",
		"host", cfg.ServiceHost,
		"device_type", deviceType,
		"expires_at", creds.ExpiresAt,
	)

	return creds, nil
}

func registrationError(err error) error {
	var regErr *RegistrationError
	if errors.As(err, &regErr) {
		return regErr
	}

	var se *vendorapi.StatusError
	if errors.As(err, &se) {
		return &RegistrationError{StatusCode: se.StatusCode, Status: se.Status, Err: err}
	}

	return &RegistrationError{Err: err}
}

// tokenExpiry returns the exp claim of a JWT without verifying it. The
// vendor signs tokens with a key we do not hold; the value is informational.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}

	return exp.Time
}
