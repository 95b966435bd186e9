package config

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Defaults for the server's listening endpoint
const (
	DefaultServerAddr = "0.0.0.0"
	DefaultServerPort = 8054
)

// ServerConfig is the crystalid-ca server's configuration
type ServerConfig struct {
	// Listening port for the server
	Port int `def:"8054" opt:"p" help:"Listening port of crystalid-ca server"`
	// Bind address for the server
	Address string `def:"0.0.0.0" help:"Listening address of crystalid-ca server"`
	// Enables debug logging
	Debug bool `def:"false" opt:"d" help:"Enable debug level logging"`
	// Sets the logging level on the server
	LogLevel string `help:"Set logging level (info, warning, debug, error, critical, fatal)"`
	// TLS for the server's listening endpoint
	TLS ServerTLSConfig
	// DB is the database configuration
	DB DBConfig
	// Signing governs issuance policy defaults and the signing profile
	Signing SigningConfig
	// URLs are the fixed service URLs embedded into signed content
	URLs URLConfig
}

// ServerTLSConfig defines key material for a TLS server
type ServerTLSConfig struct {
	Enabled  bool   `def:"false" help:"Enable TLS on the listening port"`
	CertFile string `help:"PEM-encoded TLS certificate file"`
	KeyFile  string `help:"PEM-encoded TLS key file"`
}

// DBConfig is the database section of the server's config
type DBConfig struct {
	Type       string `def:"sqlite3" help:"Type of database; one of: sqlite3, mysql, postgres"`
	Datasource string `def:"crystalid-ca.db" help:"Data source which is database specific"`
}

// SigningConfig holds the issuance-policy knobs and signing profile defaults
type SigningConfig struct {
	// Validity is the lifetime of issued leaf certificates
	Validity time.Duration `def:"8760h" help:"Validity period for issued certificates"`
	// Backdate is subtracted from the current time to produce notBefore,
	// tolerating clock skew between issuer and relying parties
	Backdate time.Duration `def:"30s" help:"Amount by which notBefore is backdated"`
	// ActiveCertificateLimit is the ceiling on concurrently active
	// certificates per (subject, requesting application) pair
	ActiveCertificateLimit int `def:"2" help:"Maximum active certificates per subject and application"`
	// StatusValidity sets nextUpdate on OCSP responses and CRLs
	StatusValidity time.Duration `def:"24h" help:"Validity period for OCSP responses and CRLs"`
}

// URLConfig carries the static base URLs embedded into signed certificate
// content. These must never be derived from inbound request state: the same
// certificate must be byte-identical regardless of which hostname a client
// used to reach the service.
type URLConfig struct {
	// Base is the externally reachable base URL of this service
	Base string `def:"http://localhost:8054" help:"Base URL for OCSP/CRL/CA-certificate endpoints"`
	// Identity is the base URL used to construct subject alternative name URIs
	Identity string `def:"https://crystalid.example.com" help:"Base URL for identity URIs embedded as SANs"`
}

// OCSP returns the URL of the OCSP responder
func (u *URLConfig) OCSP() string {
	return strings.TrimRight(u.Base, "/") + "/ocsp"
}

// CRL returns the CRL distribution point URL for a CA slug
func (u *URLConfig) CRL(slug string) string {
	return strings.TrimRight(u.Base, "/") + "/crl/" + slug + ".crl"
}

// AuthorityCert returns the certificate-download URL for a CA slug
func (u *URLConfig) AuthorityCert(slug string) string {
	return strings.TrimRight(u.Base, "/") + "/ca/" + slug + ".crt"
}

// AccountURI returns the stable SAN URI for an account subject
func (u *URLConfig) AccountURI(id string) string {
	return strings.TrimRight(u.Identity, "/") + "/accounts/" + id
}

// LodestoneURI returns the SAN URI binding a character certificate to its
// mutable in-game identity
func (u *URLConfig) LodestoneURI(lodestoneID string) string {
	return strings.TrimRight(u.Identity, "/") + "/characters/lodestone/" + lodestoneID
}

// PersistentURI returns the SAN URI binding a character certificate to its
// stable cryptographic handle
func (u *URLConfig) PersistentURI(key string) string {
	return strings.TrimRight(u.Identity, "/") + "/characters/persistent/" + key
}

// UnmarshalConfig unmarshals a configuration file into cfg
func UnmarshalConfig(cfg interface{}, vp *viper.Viper, configFile string) error {
	vp.SetConfigFile(configFile)
	err := vp.ReadInConfig()
	if err != nil {
		return errors.Wrapf(err, "Failed to read config file '%s'", configFile)
	}

	err = vp.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return errors.Wrapf(err, "Incorrect format in file '%s'", configFile)
	}
	return nil
}
