package directory

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// KeyCert represents a parsed directory authority key certificate.
type KeyCert struct {
	IdentityFingerprint string         // SHA-1 of identity key DER, uppercase hex
	SigningKeyDigest    string         // SHA-1 of signing key DER, uppercase hex
	SigningKey          *rsa.PublicKey // The medium-term signing key
	Expires             time.Time      // dir-key-expires
}

// keyCertTokenRules is the directory-key-certificate grammar (dir-spec
// §3.1), expressed the same way routerDescriptorRules expresses the router
// descriptor grammar. dir-identity-key is ObjectOptional at the tokenizer
// level: an authority cert's identity key should always be well-formed, but
// whether it actually matches the claimed fingerprint is this package's
// business, not the tokenizer's — verifyIdentityFingerprint below does that
// check and rejects the cert itself when it fails.
var keyCertTokenRules = map[string]TokenRule{
	"dir-key-certificate-version": {MinArgs: 1, MaxArgs: 1, AtStart: true, MinCount: 1, MaxCount: 1},
	"fingerprint":                 {MinArgs: 1, MaxArgs: 1, MinCount: 1, MaxCount: 1},
	"dir-key-published":           {MinArgs: 2, MaxArgs: 2, MaxCount: 1},
	"dir-key-expires":             {MinArgs: 2, MaxArgs: 2, MaxCount: 1},
	"dir-identity-key":            {ObjectNeeded: ObjectOptional, MinCount: 1, MaxCount: 1},
	"dir-signing-key":             {ObjectNeeded: ObjectRequired, MinCount: 1, MaxCount: 1},
	// Not ObjectRequired: this package doesn't verify the cross-certification
	// signature (same limitation the prior hand-rolled parser had), so a
	// malformed object body here shouldn't sink an otherwise-valid cert.
	"dir-key-certification": {ObjectNeeded: ObjectOptional, AtEnd: true, MinCount: 1, MaxCount: 1},
}

// FetchKeyCerts fetches authority key certificates from directory authorities.
// Tries each authority until one succeeds.
func FetchKeyCerts() ([]KeyCert, error) {
	var lastErr error
	for _, addr := range DirAuthorities {
		text, err := fetchKeyCertsFrom(addr)
		if err != nil {
			lastErr = err
			continue
		}
		certs, err := ParseKeyCerts(text)
		if err != nil {
			lastErr = err
			continue
		}
		if len(certs) == 0 {
			lastErr = fmt.Errorf("no valid key certs from %s", addr)
			continue
		}
		return certs, nil
	}
	return nil, fmt.Errorf("all directory authorities failed for key certs: %w", lastErr)
}

func fetchKeyCertsFrom(addr string) (string, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true,
		},
	}
	url := fmt.Sprintf("http://%s/tor/keys/all", addr)

	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("fetch key certs from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch key certs from %s: HTTP %d", addr, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read key certs from %s: %w", addr, err)
	}
	return string(body), nil
}

// ParseKeyCerts parses concatenated authority key certificate text.
// Only returns certificates for known authorities that have not expired.
func ParseKeyCerts(text string) ([]KeyCert, error) {
	var certs []KeyCert
	now := time.Now()

	// Split into individual certificates by "dir-key-certificate-version";
	// each resulting block is then its own tokenizer document.
	blocks := splitCertBlocks(text)

	for _, block := range blocks {
		kc, err := parseOneKeyCert(block, now)
		if err != nil {
			continue // Skip unparseable certs
		}
		certs = append(certs, *kc)
	}
	return certs, nil
}

// splitCertBlocks splits concatenated certificate text into individual cert blocks.
func splitCertBlocks(text string) []string {
	const marker = "dir-key-certificate-version"
	var blocks []string
	remaining := text
	for {
		idx := strings.Index(remaining, marker)
		if idx < 0 {
			break
		}
		remaining = remaining[idx:]
		// Find the next cert boundary
		next := strings.Index(remaining[1:], marker)
		if next < 0 {
			blocks = append(blocks, remaining)
			break
		}
		blocks = append(blocks, remaining[:next+1])
		remaining = remaining[next+1:]
	}
	return blocks
}

func parseOneKeyCert(block string, now time.Time) (*KeyCert, error) {
	tokens, err := Tokenize(block, keyCertTokenRules)
	if err != nil {
		return nil, fmt.Errorf("key cert: %w", err)
	}
	if err := Validate(tokens, keyCertTokenRules); err != nil {
		return nil, fmt.Errorf("key cert: %w", err)
	}

	fingerprint := strings.ToUpper(Find(tokens, "fingerprint").Args[0])
	if !dirAuthorityFingerprints[fingerprint] {
		return nil, fmt.Errorf("unknown authority: %s", fingerprint)
	}

	if idTok := Find(tokens, "dir-identity-key"); idTok != nil && idTok.Object != nil {
		if err := verifyIdentityFingerprint(idTok.Object, fingerprint); err != nil {
			return nil, err
		}
	}

	var expires time.Time
	if expTok := Find(tokens, "dir-key-expires"); expTok != nil {
		if t, err := time.Parse("2006-01-02 15:04:05", expTok.Args[0]+" "+expTok.Args[1]); err == nil {
			expires = t
		}
	}
	if !expires.IsZero() && now.After(expires) {
		return nil, fmt.Errorf("expired cert for %s", fingerprint)
	}

	signingTok := Find(tokens, "dir-signing-key")
	pubKey, err := x509.ParsePKCS1PublicKey(signingTok.Object)
	if err != nil {
		return nil, fmt.Errorf("parse signing key for %s: %w", fingerprint, err)
	}
	digest := sha1.Sum(signingTok.Object)

	return &KeyCert{
		IdentityFingerprint: fingerprint,
		SigningKeyDigest:    strings.ToUpper(hex.EncodeToString(digest[:])),
		SigningKey:          pubKey,
		Expires:             expires,
	}, nil
}

// verifyIdentityFingerprint checks that an authority's identity key DER
// hashes to its claimed fingerprint.
func verifyIdentityFingerprint(identityDER []byte, fingerprint string) error {
	idDigest := sha1.Sum(identityDER)
	computedFP := strings.ToUpper(hex.EncodeToString(idDigest[:]))
	if computedFP != fingerprint {
		return fmt.Errorf("identity key fingerprint mismatch for %s: computed %s", fingerprint, computedFP)
	}
	return nil
}
