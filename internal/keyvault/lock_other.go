//go:build !unix

package keyvault

import "github.com/rs/zerolog/log"

func lockFile(path string) (func(), error) {
	log.Warn().Str("path", path).Msg("key file locking is not supported on this platform")
	return func() {}, nil
}
