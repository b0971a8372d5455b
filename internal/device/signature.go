package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signature derives the stable identity hash for a physical device from its
// vendor, product and serial fields. It is the dedup and lookup key for the
// whole pipeline, so it must not include connection-dependent fields such as
// bus location.
func Signature(vendorID, productID uint16, serial string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%04x:%04x:%s", vendorID, productID, serial)))
	return hex.EncodeToString(sum[:16])
}
