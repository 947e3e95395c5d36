package descriptor

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/torcore/relay/directory"
)

// ExitPolicyRule is one ordered accept/reject line of a router descriptor's
// exit policy (spec.md §4.4).
type ExitPolicyRule struct {
	Accept   bool
	Network  *net.IPNet // nil means "*" (any address)
	PortLow  uint16
	PortHigh uint16
}

// RouterDescriptor is the fully parsed, structure-checked router descriptor
// (spec.md §4.4's "Router descriptor parse").
type RouterDescriptor struct {
	Nickname    string
	Address     string
	ORPort      uint16
	DirPort     uint16
	OnionKey    *rsa.PublicKey // RSA TAP onion key
	SigningKey  *rsa.PublicKey // doubles as the long-term identity key
	NtorOnionKey [32]byte
	HasNtorKey   bool
	Uptime      int64
	BandwidthRate, BandwidthBurst, BandwidthObserved int64
	Platform    string
	Published   time.Time
	Family      []string
	ExtraInfoDigest string
	ExitPolicy  []ExitPolicyRule

	IdentityDigest [20]byte // SHA-1 of the identity key DER, the stable relay id
	DescDigest     [20]byte // SHA-1 of the full descriptor text, this version's id
}

var routerDescriptorRules = map[string]directory.TokenRule{
	"router":           {MinArgs: 5, MaxArgs: -1, MinCount: 1, MaxCount: 1, AtStart: true},
	"onion-key":        {MinArgs: 0, MaxArgs: 0, ObjectNeeded: directory.ObjectRequired, MinCount: 1, MaxCount: 1},
	"signing-key":      {MinArgs: 0, MaxArgs: 0, ObjectNeeded: directory.ObjectRequired, MinCount: 1, MaxCount: 1},
	"published":        {MinArgs: 2, MaxArgs: 2, MinCount: 1, MaxCount: 1},
	"bandwidth":        {MinArgs: 3, MaxArgs: 3, MinCount: 1, MaxCount: 1},
	"router-signature": {MinArgs: 0, MaxArgs: 0, ObjectNeeded: directory.ObjectRequired, MinCount: 1, MaxCount: 1, AtEnd: true},
	"platform":         {MinArgs: 0, MaxArgs: -1, MinCount: 0, MaxCount: 1},
	"uptime":           {MinArgs: 1, MaxArgs: 1, MinCount: 0, MaxCount: 1},
	"fingerprint":      {MinArgs: 1, MaxArgs: -1, MinCount: 0, MaxCount: 1},
	"ntor-onion-key":   {MinArgs: 1, MaxArgs: 1, MinCount: 0, MaxCount: 1},
	"family":           {MinArgs: 0, MaxArgs: -1, MinCount: 0, MaxCount: 1},
	"extra-info-digest": {MinArgs: 1, MaxArgs: -1, MinCount: 0, MaxCount: 1},
	"accept":           {MinArgs: 1, MaxArgs: 1, MinCount: 0, MaxCount: -1},
	"reject":           {MinArgs: 1, MaxArgs: 1, MinCount: 0, MaxCount: -1},
}

const legalNicknameChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func validNickname(s string) bool {
	if len(s) == 0 || len(s) > 19 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(legalNicknameChars, r) {
			return false
		}
	}
	return true
}

// ParseRouterDescriptor tokenizes and structurally validates a router
// descriptor document per spec.md §4.4, then verifies its self-signature.
func ParseRouterDescriptor(text string) (*RouterDescriptor, error) {
	tokens, err := directory.Tokenize(text, routerDescriptorRules)
	if err != nil {
		return nil, fmt.Errorf("router descriptor: %w", err)
	}
	if err := directory.Validate(tokens, routerDescriptorRules); err != nil {
		return nil, fmt.Errorf("router descriptor: %w", err)
	}

	d := &RouterDescriptor{}

	routerTok := directory.Find(tokens, "router")
	if routerTok == nil || len(routerTok.Args) < 5 {
		return nil, fmt.Errorf("router descriptor: missing router line")
	}
	d.Nickname = routerTok.Args[0]
	if !validNickname(d.Nickname) {
		return nil, fmt.Errorf("router descriptor: illegal nickname %q", d.Nickname)
	}
	d.Address = routerTok.Args[1]
	if net.ParseIP(d.Address) == nil || strings.Contains(d.Address, ":") {
		return nil, fmt.Errorf("router descriptor: address %q is not IPv4", d.Address)
	}
	orPort, err := strconv.ParseUint(routerTok.Args[2], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("router descriptor: or-port: %w", err)
	}
	d.ORPort = uint16(orPort)
	dirPort, err := strconv.ParseUint(routerTok.Args[4], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("router descriptor: dir-port: %w", err)
	}
	d.DirPort = uint16(dirPort)

	onionKeyTok := directory.Find(tokens, "onion-key")
	onionKey, _, err := parseRSAPublicKeyPEM(onionKeyTok.Object)
	if err != nil {
		return nil, fmt.Errorf("router descriptor: onion-key: %w", err)
	}
	d.OnionKey = onionKey

	signingKeyTok := directory.Find(tokens, "signing-key")
	signingKey, signingDER, err := parseRSAPublicKeyPEM(signingKeyTok.Object)
	if err != nil {
		return nil, fmt.Errorf("router descriptor: signing-key: %w", err)
	}
	d.SigningKey = signingKey
	// The signing key doubles as the long-term identity key for non-ed25519
	// descriptors: its digest is the stable 20-byte relay identifier.
	d.IdentityDigest = sha1.Sum(signingDER)

	publishedTok := directory.Find(tokens, "published")
	published, err := time.Parse("2006-01-02 15:04:05", publishedTok.Args[0]+" "+publishedTok.Args[1])
	if err != nil {
		return nil, fmt.Errorf("router descriptor: published: %w", err)
	}
	d.Published = published

	bwTok := directory.Find(tokens, "bandwidth")
	bwRate, err1 := strconv.ParseInt(bwTok.Args[0], 10, 64)
	bwBurst, err2 := strconv.ParseInt(bwTok.Args[1], 10, 64)
	bwObs, err3 := strconv.ParseInt(bwTok.Args[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || bwRate < 0 || bwBurst < 0 || bwObs < 0 {
		return nil, fmt.Errorf("router descriptor: bandwidth triple must be non-negative integers")
	}
	d.BandwidthRate, d.BandwidthBurst, d.BandwidthObserved = bwRate, bwBurst, bwObs

	if pt := directory.Find(tokens, "platform"); pt != nil {
		d.Platform = strings.Join(pt.Args, " ")
	}
	if ut := directory.Find(tokens, "uptime"); ut != nil {
		if n, err := strconv.ParseInt(ut.Args[0], 10, 64); err == nil {
			d.Uptime = n
		}
	}
	if ft := directory.Find(tokens, "family"); ft != nil {
		d.Family = ft.Args
	}
	if et := directory.Find(tokens, "extra-info-digest"); et != nil {
		d.ExtraInfoDigest = et.Args[0]
	}
	if nt := directory.Find(tokens, "ntor-onion-key"); nt != nil {
		key, err := decodeNtorKey(nt.Args[0])
		if err != nil {
			return nil, fmt.Errorf("router descriptor: ntor-onion-key: %w", err)
		}
		d.NtorOnionKey = key
		d.HasNtorKey = true
	}

	for _, t := range tokens {
		switch t.Keyword {
		case "accept", "reject":
			rule, err := parseExitPolicyLine(t.Keyword == "accept", t.Args[0])
			if err != nil {
				return nil, fmt.Errorf("router descriptor: exit policy: %w", err)
			}
			d.ExitPolicy = append(d.ExitPolicy, rule)
		}
	}

	sigTok := directory.Find(tokens, "router-signature")
	if sigTok == nil {
		return nil, fmt.Errorf("router descriptor: missing router-signature")
	}
	if err := verifyRouterSignature(text, sigTok.Object, d.SigningKey); err != nil {
		return nil, fmt.Errorf("router descriptor: %w", err)
	}

	d.DescDigest = sha1.Sum([]byte(text))
	return d, nil
}

// parseRSAPublicKeyPEM decodes a PKCS#1 RSA public key carried as a PEM
// object body (already base64-decoded by the tokenizer into raw DER bytes).
func parseRSAPublicKeyPEM(der []byte) (*rsa.PublicKey, []byte, error) {
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

// verifyRouterSignature checks the RSA signature over the byte range from
// the start of the "router " line through the end of the "router-signature"
// line, per spec.md §4.4.
func verifyRouterSignature(fullText string, sigBytes []byte, signingKey *rsa.PublicKey) error {
	start := strings.Index(fullText, "router ")
	if start < 0 {
		return fmt.Errorf("cannot locate router line for signature range")
	}
	sigLineStart := strings.Index(fullText, "router-signature")
	if sigLineStart < 0 {
		return fmt.Errorf("cannot locate router-signature line")
	}
	end := strings.Index(fullText[sigLineStart:], "\n")
	var signedRange string
	if end < 0 {
		signedRange = fullText[start:]
	} else {
		signedRange = fullText[start : sigLineStart+end+1]
	}
	digest := sha1.Sum([]byte(signedRange))
	return rsa.VerifyPKCS1v15(signingKey, crypto.SHA1, digest[:], sigBytes)
}

// decodeNtorKey base64-decodes a 32-byte Curve25519 public key, tolerating
// both the padded and unpadded encodings real descriptors mix.
func decodeNtorKey(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return out, err
		}
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("wrong length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parseExitPolicyLine(accept bool, arg string) (ExitPolicyRule, error) {
	arg = expandPrivateAlias(arg)
	addrPart, portPart, ok := strings.Cut(arg, ":")
	if !ok {
		return ExitPolicyRule{}, fmt.Errorf("malformed policy line %q", arg)
	}
	rule := ExitPolicyRule{Accept: accept}

	if addrPart != "*" {
		_, ipnet, err := net.ParseCIDR(normalizeMask(addrPart))
		if err != nil {
			return ExitPolicyRule{}, fmt.Errorf("address-mask %q: %w", addrPart, err)
		}
		rule.Network = ipnet
	}

	low, high, err := parsePortRange(portPart)
	if err != nil {
		return ExitPolicyRule{}, err
	}
	rule.PortLow, rule.PortHigh = low, high
	return rule, nil
}

// expandPrivateAlias expands the "private" alias per spec.md §4.4. The bare
// "private" and "private:*" forms become the loopback range 127.0.0.0/8 with
// all ports; the RFC1918 ranges and the relay's own addresses are not
// included, and "private:<port>" is returned unexpanded.
func expandPrivateAlias(arg string) string {
	if arg == "private:*" || arg == "private" {
		return "127.0.0.0/8:*"
	}
	return arg
}

func normalizeMask(addrPart string) string {
	if strings.Contains(addrPart, "/") {
		return addrPart
	}
	return addrPart + "/32"
}

func parsePortRange(portPart string) (uint16, uint16, error) {
	if portPart == "*" {
		return 0, 65535, nil
	}
	lowStr, highStr, ok := strings.Cut(portPart, "-")
	if !ok {
		p, err := strconv.ParseUint(portPart, 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("port %q: %w", portPart, err)
		}
		return uint16(p), uint16(p), nil
	}
	low, err := strconv.ParseUint(lowStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("port range low %q: %w", lowStr, err)
	}
	high, err := strconv.ParseUint(highStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("port range high %q: %w", highStr, err)
	}
	return uint16(low), uint16(high), nil
}

// Allows spans the default "reject *:*" when no exit-policy line is present
// (spec.md §4.4's zero-exit-policy-lines edge case).
func (d *RouterDescriptor) Allows(ip net.IP, port uint16) bool {
	if len(d.ExitPolicy) == 0 {
		return false
	}
	for _, rule := range d.ExitPolicy {
		if port < rule.PortLow || port > rule.PortHigh {
			continue
		}
		if rule.Network != nil && !rule.Network.Contains(ip) {
			continue
		}
		return rule.Accept
	}
	return false
}
