package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"metafeed/pkg/models"
)

// identityFile is the on-disk form of the primary keypair. The private key
// is the 64-byte ed25519 expanded key, base64 encoded.
type identityFile struct {
	ID      string `json:"id"`
	Format  string `json:"format"`
	Public  string `json:"public"`
	Private string `json:"private"`
}

// LoadOrCreateIdentity reads the primary classic keypair from path,
// generating and persisting a fresh one on first run. The file is written
// with owner-only permissions.
func LoadOrCreateIdentity(path string) (models.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var f identityFile
		if err := json.Unmarshal(data, &f); err != nil {
			return models.KeyPair{}, fmt.Errorf("identity file %s is malformed: %w", path, err)
		}
		pub, err := base64.StdEncoding.DecodeString(f.Public)
		if err != nil {
			return models.KeyPair{}, fmt.Errorf("identity file %s: bad public key: %w", path, err)
		}
		priv, err := base64.StdEncoding.DecodeString(f.Private)
		if err != nil {
			return models.KeyPair{}, fmt.Errorf("identity file %s: bad private key: %w", path, err)
		}
		if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
			return models.KeyPair{}, fmt.Errorf("identity file %s: wrong key sizes", path)
		}
		return models.KeyPair{
			ID:      f.ID,
			Format:  f.Format,
			Public:  ed25519.PublicKey(pub),
			Private: ed25519.PrivateKey(priv),
		}, nil
	}
	if !os.IsNotExist(err) {
		return models.KeyPair{}, err
	}

	kp, err := Generate(models.FormatClassic)
	if err != nil {
		return models.KeyPair{}, err
	}
	f := identityFile{
		ID:      kp.ID,
		Format:  kp.Format,
		Public:  base64.StdEncoding.EncodeToString(kp.Public),
		Private: base64.StdEncoding.EncodeToString(kp.Private),
	}
	data, err = json.MarshalIndent(f, "", "  ")
	if err != nil {
		return models.KeyPair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return models.KeyPair{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return models.KeyPair{}, err
	}
	return kp, nil
}
