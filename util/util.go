package util

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
)

// FileExists checks to see if a file exists.
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// MakeFileNamesAbsolute makes all file names in the list absolute, relative to home
func MakeFileNamesAbsolute(files []*string, home string) error {
	for _, filePtr := range files {
		abs, err := MakeFileAbs(*filePtr, home)
		if err != nil {
			return err
		}
		*filePtr = abs
	}
	return nil
}

// MakeFileAbs makes 'file' absolute relative to 'dir' if not already absolute
func MakeFileAbs(file, dir string) (string, error) {
	if file == "" {
		return "", nil
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	path, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return "", errors.Wrapf(err, "Failed making '%s' absolute based on '%s'", file, dir)
	}
	return path, nil
}

// GetX509CertificateFromPEM get an x509 certificate from bytes in PEM format
func GetX509CertificateFromPEM(cert []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("Failed to PEM decode certificate")
	}
	x509Cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "Error parsing certificate")
	}
	return x509Cert, nil
}

// CertificateFingerprint returns the lowercase hex SHA-256 digest of the
// DER-encoded certificate
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// PublicKeyFingerprint returns the lowercase hex SHA-256 digest of the
// PKIX (SubjectPublicKeyInfo) encoding of a public key
func PublicKeyFingerprint(pub crypto.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "Failed to marshal public key")
	}
	sum := sha256.Sum256(spki)
	return hex.EncodeToString(sum[:]), nil
}

// PublicKeyInfo describes a public key as recorded alongside an issued
// certificate: a key type plus either a modulus size or a named curve.
type PublicKeyInfo struct {
	Type  string
	Bits  int
	Curve string
}

// GetPublicKeyInfo extracts the recordable metadata from a public key
func GetPublicKeyInfo(pub crypto.PublicKey) (*PublicKeyInfo, error) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return &PublicKeyInfo{Type: "RSA", Bits: key.N.BitLen()}, nil
	case *ecdsa.PublicKey:
		return &PublicKeyInfo{Type: "EC", Bits: key.Curve.Params().BitSize, Curve: key.Curve.Params().Name}, nil
	default:
		return nil, errors.Errorf("Unsupported public key type %T", pub)
	}
}

// GetSerialAsHex returns the serial number as hex
func GetSerialAsHex(serial *big.Int) string {
	return serial.Text(16)
}

// Fatal logs a fatal message and exits
func Fatal(format string, v ...interface{}) {
	log.Fatalf(format, v...)
	os.Exit(1)
}
