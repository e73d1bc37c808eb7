// Package pgp は利用者の公開鍵によるメール本文の暗号化を提供する。
package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	// 優先ハッシュを宣言しない鍵ではRIPEMD160が選ばれる
	_ "golang.org/x/crypto/ripemd160"
)

// ErrNoEncryptionKey は公開鍵に暗号化に使える（サブ）鍵が含まれないことを表す。
var ErrNoEncryptionKey = errors.New("public key has no usable encryption key")

// ErrInvalidKey は鍵の形式が不正であることを表す。
var ErrInvalidKey = errors.New("invalid armored public key")

// Encryptor は公開鍵で平文を暗号化する。
type Encryptor struct{}

// NewEncryptor はEncryptorを生成する。
func NewEncryptor() *Encryptor {
	return &Encryptor{}
}

// Validate は鍵がASCII armor形式で、暗号化用の鍵を含むかを検証する。
func (e *Encryptor) Validate(armoredKey string) error {
	_, err := readRecipients(armoredKey)
	return err
}

// Encrypt はarmoredKeyの持ち主宛てにplaintextを暗号化し、ASCII armor形式で返す。
func (e *Encryptor) Encrypt(armoredKey string, plaintext []byte) (string, error) {
	recipients, err := readRecipients(armoredKey)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	armored, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return "", fmt.Errorf("failed to start armor encoding: %w", err)
	}
	w, err := openpgp.Encrypt(armored, recipients, nil, nil, nil)
	if err != nil {
		if strings.Contains(err.Error(), "no valid encryption keys") {
			return "", ErrNoEncryptionKey
		}
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return "", fmt.Errorf("failed to finish armor encoding: %w", err)
	}
	return buf.String(), nil
}

func readRecipients(armoredKey string) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(entities) == 0 {
		return nil, ErrInvalidKey
	}
	for _, entity := range entities {
		if hasEncryptionKey(entity) {
			return entities, nil
		}
	}
	return nil, ErrNoEncryptionKey
}

// hasEncryptionKey は主鍵またはサブ鍵のいずれかが暗号化に使えるかを返す。
func hasEncryptionKey(e *openpgp.Entity) bool {
	if e.PrimaryKey != nil && e.PrimaryKey.PubKeyAlgo.CanEncrypt() {
		return true
	}
	for _, sub := range e.Subkeys {
		if sub.Sig != nil && sub.Sig.FlagsValid && (sub.Sig.FlagEncryptCommunications || sub.Sig.FlagEncryptStorage) {
			return true
		}
	}
	return false
}
