package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// keyPreviewLen is how many leading bytes of a key appear in logs.
const keyPreviewLen = 8

// KeyFields returns log fields identifying a key by a short hex prefix, so
// logs can correlate peers without carrying full key material.
func KeyFields(name string, key []byte) logrus.Fields {
	preview := "nil"
	if len(key) > 0 {
		n := keyPreviewLen
		if len(key) < n {
			n = len(key)
		}
		preview = fmt.Sprintf("%x", key[:n])
		if len(key) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(key),
	}
}
