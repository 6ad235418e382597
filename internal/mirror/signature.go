package mirror

import (
	"os"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
)

// SignatureExt is appended to a manifest path to get its detached
// signature.
const SignatureExt = ".asc"

// loadVerificationKey reads an armored public key.
func loadVerificationKey(p string) (*crypto.Key, error) {
	data, err := os.ReadFile(p) // #nosec G304 - path comes from the configuration
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read PGP key from: %s", p)
	}
	key, err := crypto.NewKeyFromArmored(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse PGP key from: %s", p)
	}
	return key, nil
}

// verifyDetachedSignature checks an armored detached signature of data.
func verifyDetachedSignature(key *crypto.Key, data, sig []byte) error {
	verifier, err := crypto.PGP().Verify().VerificationKey(key).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}

	result, err := verifier.VerifyDetached(data, sig, crypto.Armor)
	if err != nil {
		return errors.Wrap(err, "PGP signature verification failed")
	}
	if sigErr := result.SignatureError(); sigErr != nil {
		return errors.Wrap(sigErr, "PGP signature verification failed")
	}
	return nil
}
