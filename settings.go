package relink

import (
	"net/url"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/hashstructure/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionSettings identifies one broker endpoint. Two settings values
// that are structurally equal address the same physical connection in a
// ConnectionPool.
type ConnectionSettings struct {
	Host             string        `envconfig:"HOST"`
	Port             int           `envconfig:"PORT"`
	Vhost            string        `envconfig:"VHOST"`
	KeepAlive        time.Duration `envconfig:"KEEPALIVE"`
	UseTLS           bool          `envconfig:"USE_TLS"`
	VerifyServerCert bool          `envconfig:"VERIFY_SERVER_CERT"`
	UseCA            bool          `envconfig:"USE_CA"`
	CA               string        `envconfig:"CA"`
	Username         string        `envconfig:"USERNAME"`
	Password         string        `envconfig:"PASSWORD"`
}

// SettingsFromEnv reads settings from RELINK_-prefixed environment
// variables, e.g. RELINK_HOST and RELINK_USE_TLS.
func SettingsFromEnv() (ConnectionSettings, error) {
	var s ConnectionSettings
	if err := envconfig.Process("relink", &s); err != nil {
		return ConnectionSettings{}, err
	}
	return s, nil
}

// Validate checks field ranges. Empty fields are fine; they default at
// dial time.
func (s ConnectionSettings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.KeepAlive, validation.Min(time.Duration(0))),
	)
}

// withDefaults fills the blanks: localhost, the standard broker port for
// the chosen transport, the root vhost, guest credentials and a 10s
// heartbeat.
func (s ConnectionSettings) withDefaults() ConnectionSettings {
	if s.Host == "" {
		s.Host = "localhost"
	}
	if s.Port == 0 {
		if s.UseTLS {
			s.Port = 5671
		} else {
			s.Port = 5672
		}
	}
	if s.Vhost == "" {
		s.Vhost = "/"
	}
	if s.Username == "" {
		s.Username = "guest"
		s.Password = "guest"
	}
	if s.KeepAlive == 0 {
		s.KeepAlive = 10 * time.Second
	}
	return s
}

// URL renders the settings as an AMQP URI.
func (s ConnectionSettings) URL() string {
	s = s.withDefaults()

	scheme := "amqp"
	if s.UseTLS {
		scheme = "amqps"
	}

	uri := amqp.URI{
		Scheme:   scheme,
		Host:     s.Host,
		Port:     s.Port,
		Vhost:    s.Vhost,
		Username: s.Username,
		Password: s.Password,
	}
	return uri.String()
}

// Fingerprint returns a stable structural hash of the settings. Settings
// that are semantically equal after defaulting, including credentials,
// produce the same fingerprint regardless of how they were constructed.
func (s ConnectionSettings) Fingerprint() (string, error) {
	sum, err := hashstructure.Hash(s.withDefaults(), hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(sum, 16), nil
}

// SanitizeURL strips the password from an AMQP URI for logging. The rest
// of the URI passes through untouched.
func SanitizeURL(raw string) string {
	if _, err := amqp.ParseURI(raw); err != nil {
		return "***"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
