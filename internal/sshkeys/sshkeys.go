// Package sshkeys manages the ED25519 key material both sides of the
// tunnel depend on: the agent's identity keypair, the gateway's host
// key, and the server's authorized_keys trust list.
package sshkeys

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "ssh_key"
	publicKeyFile  = "ssh_key.pub"
	hostKeyFile    = "host_key"
)

// GenerateKeyPair generates an ED25519 key pair and returns the
// OpenSSH-format public key and PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// SaveKeyPair writes the key files into dir, 0600 for the private half
// and 0644 for the public half.
func SaveKeyPair(dir string, privateKey, publicKey []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privateKey, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), publicKey, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads the private key file from dir.
func LoadPrivateKey(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return data, nil
}

// LoadPublicKey reads the public key file from dir in authorized_keys
// format.
func LoadPublicKey(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(data), nil
}

// KeyPairExists reports whether both key files exist in dir.
func KeyPairExists(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, privateKeyFile)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, publicKeyFile)); err != nil {
		return false
	}
	return true
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// EnsureKeyPair loads the agent keypair from dir, generating and saving
// one on first run.
func EnsureKeyPair(dir string) (ssh.Signer, error) {
	if !KeyPairExists(dir) {
		pub, priv, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := SaveKeyPair(dir, priv, pub); err != nil {
			return nil, err
		}
		log.Printf("[sshkeys] generated agent key pair in %s", dir)
	}
	pemBytes, err := LoadPrivateKey(dir)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(pemBytes)
}

// EnsureHostKey loads the gateway host key from dir, generating one on
// first run. Host keys have no public-half file; peers learn the key
// from the handshake.
func EnsureHostKey(dir string) (ssh.Signer, error) {
	path := filepath.Join(dir, hostKeyFile)
	pemBytes, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		_, generated, genErr := GenerateKeyPair()
		if genErr != nil {
			return nil, genErr
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
		if err := os.WriteFile(path, generated, 0o600); err != nil {
			return nil, fmt.Errorf("write host key: %w", err)
		}
		log.Printf("[sshkeys] generated host key %s", path)
		pemBytes = generated
	} else if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	return ParsePrivateKey(pemBytes)
}

// LoadAuthorizedKeys parses an authorized_keys file into a map from
// SHA256 fingerprint to key comment. A missing file returns a nil map
// and no error, which the gateway treats as "trust list not configured"
// (accept and log unknown keys). A present but empty file is an empty,
// non-nil map, which denies everything.
func LoadAuthorizedKeys(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	keys := make(map[string]string)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(text))
		if err != nil {
			log.Printf("[sshkeys] %s:%d: skipping unparseable key: %v", path, line, err)
			continue
		}
		keys[ssh.FingerprintSHA256(key)] = comment
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return keys, nil
}
