package pki

import (
	"fmt"
	"math/big"

	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/internal/util"
)

// SerialBytes is the size of a certificate serial number.
const SerialBytes = 16

// NewSerial returns a random positive 128-bit serial number. The top bit is
// cleared so the DER INTEGER encoding never needs a sign-padding byte.
func NewSerial() (*big.Int, error) {
	for {
		b, err := util.RandomBytes(SerialBytes)
		if err != nil {
			return nil, errs.Crypto("generate serial", err)
		}
		b[0] &= 0x7f
		n := new(big.Int).SetBytes(b)
		if n.Sign() > 0 {
			return n, nil
		}
	}
}

// SerialHex renders a serial as fixed-width uppercase hex, keeping leading
// zero bytes.
func SerialHex(n *big.Int) string {
	return fmt.Sprintf("%0*X", SerialBytes*2, n)
}
