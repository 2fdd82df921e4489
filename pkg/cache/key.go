package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
)

const keyPrefix = "memo/"

// MakeKey derives a cache key from a function identity, its arguments and
// an optional client scope.
func MakeKey(function string, args any, scope string) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", goerr.Wrap(err, "failed to fingerprint cache arguments", goerr.V("function", function))
	}
	sum := sha256.Sum256(raw)

	key := keyPrefix + function + "/" + hex.EncodeToString(sum[:])
	if scope != "" {
		key += "/" + scope
	}
	return key, nil
}

func lockKey(key string) string {
	return "lock/" + key
}
