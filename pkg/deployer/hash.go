package deployer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// ContentHash returns the hex sha256 of a template and its parameters.
// Template line endings and surrounding whitespace are normalized and
// parameters are hashed in key order, each key and value length-prefixed.
func ContentHash(template []byte, params map[string]string) string {
	h := sha256.New()
	body := bytes.ReplaceAll(template, []byte("\r\n"), []byte("\n"))
	h.Write(bytes.TrimSpace(body))
	h.Write([]byte{0})

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%d:%s%d:%s", len(k), k, len(params[k]), params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
