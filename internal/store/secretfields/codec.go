// Package secretfields seals and opens the subset of a run's top-level
// input fields registered as secret by its workflow, so stores persist
// secret values only in encrypted form (§6.2).
package secretfields

import (
	"encoding/json"

	"github.com/tombee/conductorcore/internal/store/crypto"
)

// Codec wraps a crypto.Cipher with the envelope-field convention stores
// use to tell a sealed value apart from a plain one on read.
type Codec struct {
	cipher *crypto.Cipher
}

// New builds a Codec. cipher must not be nil; callers that want plaintext
// persistence simply don't construct a Codec at all.
func New(cipher *crypto.Cipher) *Codec {
	return &Codec{cipher: cipher}
}

// SealInputs returns a copy of inputs with every field named in secretNames
// replaced by its encrypted envelope.
func (c *Codec) SealInputs(inputs map[string]any, secretNames []string) (map[string]any, error) {
	if len(secretNames) == 0 {
		return inputs, nil
	}
	secret := make(map[string]bool, len(secretNames))
	for _, n := range secretNames {
		secret[n] = true
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if !secret[k] {
			out[k] = v
			continue
		}
		plaintext, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env, err := c.cipher.Encrypt(plaintext)
		if err != nil {
			return nil, err
		}
		out[k] = map[string]any{"encrypted": env.Encrypted, "data": env.Data}
	}
	return out, nil
}

// OpenInputs reverses SealInputs, decrypting any field whose value is an
// envelope mapping with "encrypted": true.
func (c *Codec) OpenInputs(inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		m, ok := v.(map[string]any)
		if !ok || m["encrypted"] != true {
			out[k] = v
			continue
		}
		data, _ := m["data"].(string)
		plaintext, err := c.cipher.Decrypt(crypto.Envelope{Encrypted: true, Data: data})
		if err != nil {
			return nil, err
		}
		var decoded any
		if err := json.Unmarshal(plaintext, &decoded); err != nil {
			return nil, err
		}
		out[k] = decoded
	}
	return out, nil
}
