package directory

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// Known directory authority v3ident fingerprints (SHA-1 of identity key, hex uppercase).
var dirAuthorityFingerprints = map[string]bool{
	"F533C81CEF0BC0267857C99B2F471ADF249FA232": true, // moria1
	"2F3DF9CA0E5D36F2685A2DA67184EB8DCB8CBA8C": true, // tor26
	"E8A9C45EDE6D711294FADF8E7951F4DE6CA56B58": true, // dizum
	"70849B868D606BAECFB6128C5E3D782029AA394F": true, // Faravahar
	"23D15D965BC35114467363C165C4F724B64B4F66": true, // longclaw
	"27102BC123E7AF1D4741AE047E160C91ADC76B21": true, // bastet
	"0232AF901C31A04EE9848595AF9BB7620D4C5B2E": true, // dannenberg
	"49015F787433103580E3B66A1707A00E60F2D15B": true, // maatuska
	"ED03BB616EB2F60BEC80151114BB25CEF515B226": true, // gabelmoo
}

// consensusTokenRules is the v3 microdesc-consensus token grammar, expressed
// the same way routerDescriptorRules expresses the router-descriptor
// grammar: a rule table consumed by Tokenize/Find/FindAll rather than
// hand-rolled line-prefix matching.
var consensusTokenRules = map[string]TokenRule{
	"r":                          {MinArgs: 7, MaxArgs: -1, MaxCount: -1},
	"m":                          {MinArgs: 1, MaxArgs: -1, MaxCount: -1},
	"s":                          {MinArgs: 0, MaxArgs: -1, MaxCount: -1},
	"w":                          {MinArgs: 0, MaxArgs: -1, MaxCount: -1},
	"bandwidth-weights":          {MinArgs: 1, MaxArgs: -1, MaxCount: 1},
	"valid-after":                {MinArgs: 2, MaxArgs: 2, MaxCount: 1},
	"fresh-until":                {MinArgs: 2, MaxArgs: 2, MaxCount: 1},
	"valid-until":                {MinArgs: 2, MaxArgs: 2, MaxCount: 1},
	"shared-rand-current-value":  {MinArgs: 2, MaxArgs: 2, MaxCount: 1},
	"shared-rand-previous-value": {MinArgs: 2, MaxArgs: 2, MaxCount: 1},
	"directory-signature":        {MinArgs: 2, MaxArgs: 3, ObjectNeeded: ObjectRequired, MaxCount: -1},
}

// ValidateFreshness checks that the consensus is currently valid.
func ValidateFreshness(c *Consensus) error {
	now := time.Now().UTC()
	skew := 5 * time.Minute

	if c.ValidAfter.IsZero() || c.ValidUntil.IsZero() {
		return fmt.Errorf("consensus missing validity timestamps")
	}
	if now.Before(c.ValidAfter.Add(-skew)) {
		return fmt.Errorf("consensus is from the future (valid-after %s, now %s)", c.ValidAfter, now)
	}
	if now.After(c.ValidUntil.Add(skew)) {
		return fmt.Errorf("consensus has expired (valid-until %s, now %s)", c.ValidUntil, now)
	}
	return nil
}

// ValidateSignatures cryptographically verifies RSA signatures on the consensus.
// It requires at least 5 valid signatures from known directory authorities.
// If certs is nil or empty, falls back to structural validation only.
func ValidateSignatures(text string, certs []KeyCert) error {
	if len(certs) == 0 {
		return ValidateSignaturesStructural(text)
	}

	tokens, err := Tokenize(text, consensusTokenRules)
	if err != nil {
		return fmt.Errorf("consensus: %w", err)
	}

	// Build lookup: signing-key-digest -> KeyCert
	certByDigest := make(map[string]*KeyCert)
	for i := range certs {
		certByDigest[certs[i].SigningKeyDigest] = &certs[i]
	}

	// Find the signed content boundary: from start through space after "directory-signature "
	// Per dir-spec: hash through the space after "directory-signature", not the newline.
	signedContentEnd := strings.Index(text, "\ndirectory-signature ")
	if signedContentEnd < 0 {
		return fmt.Errorf("no directory-signature found in consensus")
	}
	signedContentEnd += len("\ndirectory-signature ")
	signedContent := text[:signedContentEnd]

	verified := make(map[string]bool)
	for _, sig := range parseSignatureBlocks(tokens) {
		if !dirAuthorityFingerprints[sig.identity] {
			continue
		}
		cert, ok := certByDigest[sig.signingKeyDigest]
		if !ok {
			continue
		}
		if cert.IdentityFingerprint != sig.identity {
			continue
		}

		var h hash.Hash
		switch sig.algorithm {
		case "sha1", "":
			h = sha1.New()
		case "sha256":
			h = sha256.New()
		default:
			continue // ignore unrecognized algorithms per spec
		}

		h.Write([]byte(signedContent))
		digest := h.Sum(nil)

		// Tor directory signatures use PKCS#1 v1.5 padding without the ASN.1
		// DigestInfo prefix. Pass crypto.Hash(0) so Go verifies raw padding.
		if rsa.VerifyPKCS1v15(cert.SigningKey, crypto.Hash(0), digest, sig.signature) != nil {
			continue
		}
		verified[sig.identity] = true
	}

	if len(verified) < 5 {
		return fmt.Errorf("consensus has %d valid cryptographic signatures, need at least 5", len(verified))
	}
	return nil
}

// ValidateSignaturesStructural checks structural presence of signatures only.
// Used as fallback when key certificates are unavailable.
func ValidateSignaturesStructural(text string) error {
	tokens, err := Tokenize(text, consensusTokenRules)
	if err != nil {
		return fmt.Errorf("consensus: %w", err)
	}

	seen := make(map[string]bool)
	for _, sig := range parseSignatureBlocks(tokens) {
		if dirAuthorityFingerprints[sig.identity] {
			seen[sig.identity] = true
		}
	}
	if len(seen) < 5 {
		return fmt.Errorf("consensus has signatures from %d authorities, need at least 5", len(seen))
	}
	return nil
}

// signatureBlock holds a parsed directory-signature block.
type signatureBlock struct {
	algorithm        string
	identity         string
	signingKeyDigest string
	signature        []byte
}

// parseSignatureBlocks extracts every directory-signature token, reading its
// SIGNATURE object straight from the tokenizer's already-decoded Object
// field instead of re-walking the raw text for BEGIN/END markers.
func parseSignatureBlocks(tokens []Token) []signatureBlock {
	var blocks []signatureBlock
	for _, tok := range FindAll(tokens, "directory-signature") {
		var sig signatureBlock
		switch len(tok.Args) {
		case 2:
			sig.algorithm = "sha1"
			sig.identity = strings.ToUpper(tok.Args[0])
			sig.signingKeyDigest = strings.ToUpper(tok.Args[1])
		case 3:
			sig.algorithm = tok.Args[0]
			sig.identity = strings.ToUpper(tok.Args[1])
			sig.signingKeyDigest = strings.ToUpper(tok.Args[2])
		default:
			continue
		}
		if tok.Object == nil {
			continue
		}
		sig.signature = tok.Object
		blocks = append(blocks, sig)
	}
	return blocks
}

// ParseConsensus parses a microdescriptor consensus document, tokenized
// against consensusTokenRules the same way ParseRouterDescriptor tokenizes
// against routerDescriptorRules.
func ParseConsensus(text string) (*Consensus, error) {
	c := &Consensus{
		BandwidthWeights: make(map[string]int64),
	}

	tokens, err := Tokenize(text, consensusTokenRules)
	if err != nil {
		return nil, fmt.Errorf("consensus: %w", err)
	}
	if err := Validate(tokens, consensusTokenRules); err != nil {
		return nil, fmt.Errorf("consensus: %w", err)
	}

	if t := Find(tokens, "valid-after"); t != nil {
		ts, err := time.Parse("2006-01-02 15:04:05", t.Args[0]+" "+t.Args[1])
		if err != nil {
			return nil, fmt.Errorf("parse valid-after: %w", err)
		}
		c.ValidAfter = ts
	}
	if t := Find(tokens, "fresh-until"); t != nil {
		ts, err := time.Parse("2006-01-02 15:04:05", t.Args[0]+" "+t.Args[1])
		if err != nil {
			return nil, fmt.Errorf("parse fresh-until: %w", err)
		}
		c.FreshUntil = ts
	}
	if t := Find(tokens, "valid-until"); t != nil {
		ts, err := time.Parse("2006-01-02 15:04:05", t.Args[0]+" "+t.Args[1])
		if err != nil {
			return nil, fmt.Errorf("parse valid-until: %w", err)
		}
		c.ValidUntil = ts
	}
	if t := Find(tokens, "shared-rand-current-value"); t != nil {
		if b, err := base64.StdEncoding.DecodeString(t.Args[1]); err == nil {
			c.SharedRandCurrentValue = b
		}
	}
	if t := Find(tokens, "shared-rand-previous-value"); t != nil {
		if b, err := base64.StdEncoding.DecodeString(t.Args[1]); err == nil {
			c.SharedRandPreviousValue = b
		}
	}

	var currentRelay *Relay
	for _, tok := range tokens {
		switch tok.Keyword {
		case "r":
			if currentRelay != nil {
				c.Relays = append(c.Relays, *currentRelay)
			}
			relay, err := parseRouterToken(tok)
			if err != nil {
				// Skip unparseable router entries
				currentRelay = nil
				continue
			}
			currentRelay = relay

		case "m":
			if currentRelay != nil {
				currentRelay.MicrodescDigest = strings.TrimPrefix(tok.Args[0], "sha256=")
			}

		case "s":
			if currentRelay != nil {
				parseFlags(currentRelay, tok.Args)
			}

		case "w":
			if currentRelay != nil {
				parseBandwidth(currentRelay, tok.Args)
			}

		case "bandwidth-weights":
			parseBandwidthWeights(c, tok.Args)
		}
	}

	// Don't forget the last relay
	if currentRelay != nil {
		c.Relays = append(c.Relays, *currentRelay)
	}

	return c, nil
}

// parseRouterToken parses an "r" token's args.
// Format: r <nickname> <identity-b64> <date> <time> <ip> <orport> <dirport>
func parseRouterToken(tok Token) (*Relay, error) {
	args := tok.Args

	// Identity is base64-encoded SHA-1 (20 bytes), unpadded in consensus
	idBytes, err := base64.RawStdEncoding.DecodeString(args[1])
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(idBytes) != 20 {
		return nil, fmt.Errorf("identity wrong length: %d", len(idBytes))
	}

	orPort, err := strconv.ParseUint(args[5], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse ORPort: %w", err)
	}

	dirPort, err := strconv.ParseUint(args[6], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse DirPort: %w", err)
	}

	relay := &Relay{
		Nickname: args[0],
		Address:  args[4],
		ORPort:   uint16(orPort),
		DirPort:  uint16(dirPort),
	}
	copy(relay.Identity[:], idBytes)

	return relay, nil
}

func parseFlags(relay *Relay, flags []string) {
	for _, f := range flags {
		switch f {
		case "Authority":
			relay.Flags.Authority = true
		case "BadExit":
			relay.Flags.BadExit = true
		case "Exit":
			relay.Flags.Exit = true
		case "Fast":
			relay.Flags.Fast = true
		case "Guard":
			relay.Flags.Guard = true
		case "HSDir":
			relay.Flags.HSDir = true
		case "Running":
			relay.Flags.Running = true
		case "Stable":
			relay.Flags.Stable = true
		case "Valid":
			relay.Flags.Valid = true
		}
	}
}

func parseBandwidth(relay *Relay, fields []string) {
	// Format: Bandwidth=1234
	for _, field := range fields {
		if strings.HasPrefix(field, "Bandwidth=") {
			bw, err := strconv.ParseInt(field[len("Bandwidth="):], 10, 64)
			if err == nil {
				relay.Bandwidth = bw
			}
		}
	}
}

func parseBandwidthWeights(c *Consensus, fields []string) {
	// Format: Wbd=0 Wbe=0 Wbg=4131 Wbm=10000 ...
	for _, field := range fields {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) == 2 {
			val, err := strconv.ParseInt(parts[1], 10, 64)
			if err == nil {
				c.BandwidthWeights[parts[0]] = val
			}
		}
	}
}
