package ledger

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EncodeSerial maps a certificate id to its X.509 serial number by
// interpreting the UUID's 16 bytes as a big-endian unsigned integer. The
// mapping is a bijection, so the ledger never stores the serial separately.
func EncodeSerial(id string) (*big.Int, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid certificate id '%s'", id)
	}
	return new(big.Int).SetBytes(u[:]), nil
}

// DecodeSerial recovers the certificate id from an X.509 serial number.
// Serials shorter than 16 bytes are zero-padded on the left; anything
// negative or wider than 128 bits cannot have been issued here.
func DecodeSerial(serial *big.Int) (string, error) {
	if serial == nil || serial.Sign() < 0 {
		return "", errors.New("Serial number must be a non-negative integer")
	}
	b := serial.Bytes()
	if len(b) > 16 {
		return "", errors.Errorf("Serial number is %d bytes; certificate serials are at most 16", len(b))
	}
	var buf [16]byte
	copy(buf[16-len(b):], b)
	u, err := uuid.FromBytes(buf[:])
	if err != nil {
		return "", errors.Wrap(err, "Failed to decode serial number")
	}
	return u.String(), nil
}
