package directory

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// microdescTokenRules is the microdescriptor grammar (dir-spec §3.3b):
// loose enough to tolerate the optional fields ("a", "p", "family", the
// legacy RSA onion-key object) this package doesn't care about, while still
// running the whole entry through the same tokenizer the router-descriptor
// and consensus grammars use rather than hand-rolled prefix matching.
var microdescTokenRules = map[string]TokenRule{
	"onion-key":      {ObjectNeeded: ObjectOptional, AtStart: true, MaxCount: 1},
	"ntor-onion-key": {MinArgs: 1, MaxArgs: 1, MaxCount: 1},
	"id":             {MinArgs: 2, MaxArgs: 2},
	"a":              {MinArgs: 1, MaxArgs: -1},
	"p":              {MinArgs: 1, MaxArgs: -1},
	"family":         {MinArgs: 0, MaxArgs: -1},
}

// ParseMicrodescriptor extracts ntor-onion-key and Ed25519 identity from a microdescriptor.
func ParseMicrodescriptor(text string) (ntorKey [32]byte, ed25519Key [32]byte, hasNtor, hasEd bool) {
	tokens, err := Tokenize(text, microdescTokenRules)
	if err != nil {
		return
	}

	if tok := Find(tokens, "ntor-onion-key"); tok != nil && len(tok.Args) == 1 {
		if keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(tok.Args[0], "=")); err == nil && len(keyBytes) == 32 {
			copy(ntorKey[:], keyBytes)
			hasNtor = true
		}
	}

	for _, tok := range FindAll(tokens, "id") {
		if len(tok.Args) == 2 && tok.Args[0] == "ed25519" {
			if keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(tok.Args[1], "=")); err == nil && len(keyBytes) == 32 {
				copy(ed25519Key[:], keyBytes)
				hasEd = true
			}
		}
	}
	return
}

// UpdateRelaysWithMicrodescriptors fetches microdescriptors for the given relays
// and updates their ntor keys and Ed25519 identities. The background context
// is used; call UpdateRelaysWithMicrodescriptorsContext to bound the whole
// fetch with a deadline instead.
func UpdateRelaysWithMicrodescriptors(addr string, relays []Relay) error {
	return UpdateRelaysWithMicrodescriptorsContext(context.Background(), addr, relays, nil)
}

// UpdateRelaysWithMicrodescriptorsContext is UpdateRelaysWithMicrodescriptors
// with a caller-supplied context and logger. A nil logger defaults to
// slog.Default().
func UpdateRelaysWithMicrodescriptorsContext(ctx context.Context, addr string, relays []Relay, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	// Build digest → relay index map
	digestToIdx := make(map[string]int)
	var digests []string
	for i, r := range relays {
		if r.MicrodescDigest == "" {
			continue
		}
		digest := r.MicrodescDigest
		digestToIdx[digest] = i
		digests = append(digests, digest)
	}

	if len(digests) == 0 {
		return nil
	}

	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}

	for i := 0; i < len(digests); i += 92 {
		end := i + 92
		if end > len(digests) {
			end = len(digests)
		}
		batch := digests[i:end]

		url := fmt.Sprintf("http://%s/tor/micro/d/%s", addr, strings.Join(batch, "-"))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			logger.Warn("directory microdesc: build request failed", "authority", addr, "error", err)
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("directory microdesc: batch fetch failed", "authority", addr, "batch_size", len(batch), "error", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			logger.Warn("directory microdesc: unexpected status", "authority", addr, "status", resp.StatusCode)
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 50*1024*1024))
		resp.Body.Close()
		if err != nil {
			logger.Warn("directory microdesc: read batch failed", "authority", addr, "error", err)
			continue
		}

		// Parse each microdescriptor and match by SHA-256 digest
		entries := splitMicrodescriptors(string(body))
		for _, entry := range entries {
			// Compute SHA-256 digest and base64-encode to match consensus format
			hash := sha256.Sum256([]byte(entry))
			digestB64 := base64.RawStdEncoding.EncodeToString(hash[:])

			idx, ok := digestToIdx[digestB64]
			if !ok {
				continue
			}

			ntorKey, ed25519Key, hasNtor, hasEd := ParseMicrodescriptor(entry)
			if !hasNtor {
				continue
			}

			relays[idx].NtorOnionKey = ntorKey
			relays[idx].HasNtorKey = true
			if hasEd {
				relays[idx].Ed25519ID = ed25519Key
				relays[idx].HasEd25519 = true
			}
		}
		logger.Debug("directory microdesc: batch processed", "authority", addr, "batch_size", len(batch))
	}

	return nil
}

func splitMicrodescriptors(body string) []string {
	const marker = "onion-key\n"
	var entries []string
	for {
		idx := strings.Index(body, marker)
		if idx < 0 {
			break
		}
		// Find the next marker after this one
		rest := body[idx+len(marker):]
		nextIdx := strings.Index(rest, marker)
		var entry string
		if nextIdx < 0 {
			entry = body[idx:]
		} else {
			entry = body[idx : idx+len(marker)+nextIdx]
		}
		if strings.TrimSpace(entry) != "" {
			entries = append(entries, entry)
		}
		if nextIdx < 0 {
			break
		}
		body = body[idx+len(marker)+nextIdx:]
	}
	return entries
}
